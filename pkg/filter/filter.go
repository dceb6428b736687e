// Package filter defines the per-connection byte-stream transforms applied
// to inbound and outbound data.
//
// A Filter instance is owned exclusively by one connection for one direction
// and lives exactly as long as that connection. Decode is a streaming
// operation: it may buffer an incomplete frame internally and emit zero or
// more complete messages per call, always in arrival order.
package filter

// Filter transforms bytes between the wire and the consumer.
type Filter interface {
	// Encode transforms one outbound message into wire bytes.
	Encode(msg []byte) ([]byte, error)

	// Decode consumes inbound wire bytes and returns the complete messages
	// they yield. Partial frames are buffered until a later call completes
	// them.
	Decode(data []byte) ([][]byte, error)
}

// Factory builds a fresh Filter. The server calls it once per connection per
// direction, so implementations may carry per-stream buffering state.
type Factory func() Filter

// Identity returns a factory for the passthrough filter, the configuration
// default: Encode returns its input unchanged and Decode yields each read
// chunk as a single message.
func Identity() Factory {
	return func() Filter { return identity{} }
}

type identity struct{}

func (identity) Encode(msg []byte) ([]byte, error) { return msg, nil }

func (identity) Decode(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return [][]byte{data}, nil
}
