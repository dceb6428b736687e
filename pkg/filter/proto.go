package filter

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// maxProtoFrame bounds a single decoded frame. A peer announcing anything
// larger is treated as a protocol error rather than a buffering request.
const maxProtoFrame = 16 << 20

// ProtoFrame returns a factory for a protobuf-framed filter. Each message is
// marshalled as a wrapperspb.BytesValue and prefixed with a big-endian uint32
// length, so message boundaries survive TCP fragmentation and coalescing.
// Decode buffers partial frames across reads.
func ProtoFrame() Factory {
	return func() Filter { return &protoFilter{} }
}

type protoFilter struct {
	buf bytes.Buffer
}

func (f *protoFilter) Encode(msg []byte) ([]byte, error) {
	body, err := proto.Marshal(wrapperspb.Bytes(msg))
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

func (f *protoFilter) Decode(data []byte) ([][]byte, error) {
	f.buf.Write(data)

	var msgs [][]byte
	for {
		raw := f.buf.Bytes()
		if len(raw) < 4 {
			return msgs, nil
		}
		n := binary.BigEndian.Uint32(raw)
		if n > maxProtoFrame {
			return msgs, fmt.Errorf("frame of %d bytes exceeds limit of %d", n, maxProtoFrame)
		}
		if len(raw) < 4+int(n) {
			return msgs, nil
		}

		var v wrapperspb.BytesValue
		if err := proto.Unmarshal(raw[4:4+int(n)], &v); err != nil {
			return msgs, fmt.Errorf("failed to decode frame: %w", err)
		}
		msgs = append(msgs, v.GetValue())
		f.buf.Next(4 + int(n))
	}
}
