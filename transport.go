package rpctable

import "context"

// ReplyFunc sends a response back to whoever issued the request.
type ReplyFunc func(ctx context.Context, resp *Response) error

// Delivery is one inbound frame handed from a transport to the server.
// Request is nil when the frame could not be decoded; DecodeErr then
// describes the failure.
type Delivery struct {
	Request   *Request
	DecodeErr *Error
	Raw       []byte
	Reply     ReplyFunc
}

// Transport defines the interface for the inbound request layer.
// Focused purely on moving frames without any knowledge of the command table.
type Transport interface {
	// Subscribe starts listening for requests
	Subscribe(ctx context.Context) error

	// Deliveries returns a channel that receives inbound requests
	// This channel should be closed when the transport stops delivering
	Deliveries() <-chan Delivery

	// Close shuts down the transport and releases resources
	Close() error

	// IsConnected returns true if the transport is connected and ready
	IsConnected() bool
}

// newDelivery decodes raw into a Delivery bound to reply.
func newDelivery(raw []byte, reply ReplyFunc) Delivery {
	req, decodeErr := decodeRequest(raw)
	return Delivery{
		Request:   req,
		DecodeErr: decodeErr,
		Raw:       raw,
		Reply:     reply,
	}
}
