package rpctable

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"
)

// minBlockTimeout keeps BLPOP from receiving 0, which would block forever.
const minBlockTimeout = 10 * time.Millisecond

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout bounds Call when the context carries no deadline.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client issues JSON-RPC calls to a server listening through a ValkeyTransport.
type Client struct {
	client  valkey.Client
	channel string
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient creates a client publishing requests on channel. The caller
// keeps ownership of client.
func NewClient(client valkey.Client, channel string, opts ...ClientOption) *Client {
	c := &Client{
		client:  client,
		channel: channel,
		timeout: 5 * time.Second,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("client")
	return c
}

type callResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Call invokes method with params and decodes the result into result, which
// may be nil. A JSON-RPC error reply is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	id := uuid.NewString()
	replyKey := c.channel + ":reply:" + id

	req, err := newRequest(method, params, json.RawMessage(strconv.Quote(id)))
	if err != nil {
		return err
	}
	if err := c.publish(ctx, replyKey, req); err != nil {
		return err
	}

	wait := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if wait < minBlockTimeout {
		wait = minBlockTimeout
	}

	popped, err := c.client.Do(ctx, c.client.B().Blpop().Key(replyKey).Timeout(wait.Seconds()).Build()).AsStrSlice()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return fmt.Errorf("%w: %s after %s", ErrCallTimeout, method, wait)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("wait for reply: %w", err)
	}
	if len(popped) != 2 {
		return fmt.Errorf("wait for reply: unexpected BLPOP reply of %d elements", len(popped))
	}

	var resp callResponse
	if err := json.Unmarshal([]byte(popped[1]), &resp); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// Notify sends a request that expects no reply.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	req, err := newRequest(method, params, nil)
	if err != nil {
		return err
	}
	return c.publish(ctx, "", req)
}

func (c *Client) publish(ctx context.Context, replyTo string, req *Request) error {
	data, err := encodeEnvelope(replyTo, req)
	if err != nil {
		return err
	}

	cmd := c.client.B().Publish().Channel(c.channel).Message(string(data)).Build()
	receivers, err := c.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	if receivers == 0 {
		return fmt.Errorf("%w: no server subscribed to %q", ErrPublishFailed, c.channel)
	}

	c.logger.Debug("published request", zap.String("method", req.Method), zap.Int64("receivers", receivers))
	return nil
}

func newRequest(method string, params any, id json.RawMessage) (*Request, error) {
	req := &Request{JSONRPC: jsonrpcVersion, Method: method, ID: id}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		req.Params = raw
	}
	return req, nil
}

func encodeEnvelope(replyTo string, req *Request) ([]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return json.Marshal(valkeyEnvelope{ReplyTo: replyTo, Request: raw})
}
