package rpctable

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"
)

// valkeyEnvelope is the pub/sub payload. ReplyTo names the list the
// response is pushed onto; an empty ReplyTo makes the request fire-and-forget.
type valkeyEnvelope struct {
	ReplyTo string          `json:"reply_to,omitempty"`
	Request json.RawMessage `json:"request"`
}

// ValkeyTransport receives requests from a Valkey pub/sub channel and pushes
// replies onto per-request Valkey lists.
type ValkeyTransport struct {
	client       valkey.Client
	channel      string
	ctx          context.Context
	cancel       context.CancelFunc
	mu           sync.RWMutex
	isSubscribed bool
	connected    bool
	deliveries   chan Delivery
	closedChan   chan struct{}
	once         sync.Once
	options      Options
	logger       *zap.Logger
}

// Subscribe starts subscribing to the valkey channel
func (v *ValkeyTransport) Subscribe(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.isSubscribed {
		return nil // Already subscribed
	}

	if !v.connected {
		return ErrTransportNotConnected
	}

	go v.subscriptionLoop()

	v.isSubscribed = true
	return nil
}

// subscriptionLoop keeps a subscription open until the transport is closed
func (v *ValkeyTransport) subscriptionLoop() {
	defer func() {
		v.mu.Lock()
		v.isSubscribed = false
		close(v.deliveries)
		v.mu.Unlock()
	}()

	retryDelay := 100 * time.Millisecond
	maxRetryDelay := 30 * time.Second
	subscriber := v.client.B().Subscribe().Channel(v.channel).Build()

	for {
		if v.shouldStop() {
			return
		}

		// Blocks until an error occurs or the context is cancelled
		err := v.client.Receive(v.ctx, subscriber, v.handleMessage)

		if err != nil {
			if v.shouldStop() {
				return
			}

			v.logger.Warn("subscription lost, retrying", zap.Duration("delay", retryDelay), zap.Error(err))

			time.Sleep(retryDelay)
			retryDelay *= 2
			if retryDelay > maxRetryDelay {
				retryDelay = maxRetryDelay
			}
			continue
		}

		if v.shouldStop() {
			return
		}

		retryDelay = 100 * time.Millisecond

		// Brief pause before reconnecting
		time.Sleep(100 * time.Millisecond)
	}
}

// handleMessage turns one pub/sub message into a Delivery
func (v *ValkeyTransport) handleMessage(msg valkey.PubSubMessage) {
	if msg.Channel != v.channel {
		return
	}

	var env valkeyEnvelope
	if err := json.Unmarshal([]byte(msg.Message), &env); err != nil {
		// Without an envelope there is nowhere to send a parse error
		v.options.OnError(v.ctx, nil, fmt.Errorf("decode envelope: %w", err))
		return
	}

	var reply ReplyFunc
	if env.ReplyTo != "" {
		reply = v.replyTo(env.ReplyTo)
	}
	d := newDelivery(env.Request, reply)

	// Non-blocking to keep the subscription responsive
	select {
	case v.deliveries <- d:
	case <-v.closedChan:
		return
	case <-v.ctx.Done():
		return
	default:
		v.logger.Warn("delivery buffer full, dropping request")
		v.options.OnError(v.ctx, d.Request, fmt.Errorf("delivery buffer full (%d)", v.options.MsgBufferSize))
	}
}

// replyTo pushes the encoded response onto key and bounds its lifetime.
func (v *ValkeyTransport) replyTo(key string) ReplyFunc {
	return func(ctx context.Context, resp *Response) error {
		data, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}

		push := v.client.B().Lpush().Key(key).Element(string(data)).Build()
		expire := v.client.B().Expire().Key(key).Seconds(int64(v.options.ReplyTTL / time.Second)).Build()
		for _, res := range v.client.DoMulti(ctx, push, expire) {
			if err := res.Error(); err != nil {
				return fmt.Errorf("%w: %v", ErrPublishFailed, err)
			}
		}
		return nil
	}
}

// Deliveries returns a channel that receives requests from the subscription
func (v *ValkeyTransport) Deliveries() <-chan Delivery {
	return v.deliveries
}

// Close shuts down the valkey transport and cleans up resources
func (v *ValkeyTransport) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.connected {
		return nil
	}

	v.once.Do(func() {
		close(v.closedChan)
		v.cancel()
		v.client.Close()
		v.connected = false
	})

	return nil
}

// IsConnected returns true if the transport is connected and ready
func (v *ValkeyTransport) IsConnected() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.connected
}

func (v *ValkeyTransport) shouldStop() bool {
	select {
	case <-v.closedChan:
		return true
	case <-v.ctx.Done():
		return true
	default:
		return false
	}
}

// NewValkeyClient creates a new valkey client with common configuration
func NewValkeyClient(address string, options ...valkey.ClientOption) (valkey.Client, error) {
	var clientOption valkey.ClientOption
	if len(options) > 0 {
		clientOption = options[0]
	}
	if len(clientOption.InitAddress) == 0 {
		clientOption.InitAddress = []string{address}
	}

	client, err := valkey.NewClient(clientOption)
	if err != nil {
		return nil, fmt.Errorf("connect to valkey at %s: %w", address, err)
	}

	return client, nil
}

// NewValkeyTransport creates a transport listening on channel. The transport
// takes ownership of client and closes it on Close.
func NewValkeyTransport(client valkey.Client, channel string, opts ...Option) *ValkeyTransport {
	ctx, cancel := context.WithCancel(context.Background())

	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &ValkeyTransport{
		client:     client,
		channel:    channel,
		ctx:        ctx,
		cancel:     cancel,
		connected:  true,
		deliveries: make(chan Delivery, options.MsgBufferSize),
		closedChan: make(chan struct{}),
		options:    options,
		logger:     options.Logger.Named("valkey").With(zap.String("channel", channel)),
	}
}
