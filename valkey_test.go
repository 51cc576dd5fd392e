package rpctable

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap/zaptest"
)

// newOfflineValkeyTransport builds a transport whose message handling can be
// exercised without a Valkey server. It must not be subscribed or closed.
func newOfflineValkeyTransport(t *testing.T, opts ...Option) *ValkeyTransport {
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return NewValkeyTransport(nil, "rpc", opts...)
}

func receive(t *testing.T, v *ValkeyTransport) Delivery {
	t.Helper()
	select {
	case d := <-v.Deliveries():
		return d
	default:
		t.Fatal("expected a delivery")
		return Delivery{}
	}
}

func TestValkeyHandleMessage(t *testing.T) {
	v := newOfflineValkeyTransport(t)

	req, err := newRequest(MethodTestAdd, map[string]int{"x": 1, "y": 2}, json.RawMessage(`"id-1"`))
	require.NoError(t, err)
	payload, err := encodeEnvelope("rpc:reply:id-1", req)
	require.NoError(t, err)

	v.handleMessage(valkey.PubSubMessage{Channel: "rpc", Message: string(payload)})

	d := receive(t, v)
	require.NotNil(t, d.Request)
	assert.Nil(t, d.DecodeErr)
	assert.Equal(t, MethodTestAdd, d.Request.Method)
	assert.JSONEq(t, `{"x":1,"y":2}`, string(d.Request.Params))
	assert.JSONEq(t, `"id-1"`, string(d.Request.ID))
	assert.NotNil(t, d.Reply)
}

func TestValkeyHandleMessageNotification(t *testing.T) {
	v := newOfflineValkeyTransport(t)

	req, err := newRequest(MethodPing, nil, nil)
	require.NoError(t, err)
	payload, err := encodeEnvelope("", req)
	require.NoError(t, err)

	v.handleMessage(valkey.PubSubMessage{Channel: "rpc", Message: string(payload)})

	d := receive(t, v)
	require.NotNil(t, d.Request)
	assert.True(t, d.Request.IsNotification())
	assert.Nil(t, d.Reply)
}

func TestValkeyHandleMessageIgnoresOtherChannels(t *testing.T) {
	v := newOfflineValkeyTransport(t)

	v.handleMessage(valkey.PubSubMessage{Channel: "other", Message: `{"request":{}}`})
	assert.Empty(t, v.Deliveries())
}

func TestValkeyHandleMessageBadEnvelope(t *testing.T) {
	var reported atomic.Int32
	v := newOfflineValkeyTransport(t, WithOnError(func(ctx context.Context, req *Request, err error) {
		assert.Nil(t, req)
		reported.Add(1)
	}))

	v.handleMessage(valkey.PubSubMessage{Channel: "rpc", Message: `not json`})
	assert.Empty(t, v.Deliveries())
	assert.Equal(t, int32(1), reported.Load())
}

func TestValkeyHandleMessageBadRequest(t *testing.T) {
	v := newOfflineValkeyTransport(t)

	v.handleMessage(valkey.PubSubMessage{Channel: "rpc", Message: `{"reply_to":"k","request":"not an object"}`})

	d := receive(t, v)
	assert.Nil(t, d.Request)
	require.NotNil(t, d.DecodeErr)
	assert.Equal(t, CodeParseError, d.DecodeErr.Code)
	assert.NotNil(t, d.Reply)
}

func TestValkeyHandleMessageBufferFull(t *testing.T) {
	var reported atomic.Int32
	v := newOfflineValkeyTransport(t,
		WithMsgBufferSize(1),
		WithOnError(func(ctx context.Context, req *Request, err error) {
			reported.Add(1)
		}),
	)

	msg := valkey.PubSubMessage{Channel: "rpc", Message: `{"request":{"jsonrpc":"2.0","method":"ping"}}`}
	v.handleMessage(msg)
	v.handleMessage(msg)

	assert.Len(t, v.Deliveries(), 1)
	assert.Equal(t, int32(1), reported.Load())
}

func TestValkeyTransportOptions(t *testing.T) {
	v := newOfflineValkeyTransport(t, WithMsgBufferSize(7), WithReplyTTL(0))
	assert.Equal(t, 7, cap(v.deliveries))
	assert.Equal(t, defaultOptions().ReplyTTL, v.options.ReplyTTL)
	assert.True(t, v.IsConnected())
}
