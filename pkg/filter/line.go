package filter

import "bytes"

// Line returns a factory for a newline-framed filter. Decode buffers partial
// lines across reads and emits each complete line with the trailing newline
// (and any preceding carriage return) removed. Encode appends a newline.
func Line() Factory {
	return func() Filter { return &lineFilter{} }
}

type lineFilter struct {
	buf bytes.Buffer
}

func (f *lineFilter) Encode(msg []byte) ([]byte, error) {
	out := make([]byte, 0, len(msg)+1)
	out = append(out, msg...)
	out = append(out, '\n')
	return out, nil
}

func (f *lineFilter) Decode(data []byte) ([][]byte, error) {
	f.buf.Write(data)

	var msgs [][]byte
	for {
		raw := f.buf.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			return msgs, nil
		}
		line := make([]byte, i)
		copy(line, raw[:i])
		line = bytes.TrimSuffix(line, []byte{'\r'})
		msgs = append(msgs, line)
		f.buf.Next(i + 1)
	}
}
