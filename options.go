package rpctable

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ErrorHandler is a user-provided callback for transport and dispatch errors.
// req is nil when the failing frame could not be decoded.
type ErrorHandler func(ctx context.Context, req *Request, err error)

// Option configures a transport.
type Option func(*Options)

type Options struct {
	MsgBufferSize int
	ReplyTTL      time.Duration
	OnError       ErrorHandler
	Logger        *zap.Logger
}

func defaultOptions() Options {
	return Options{
		MsgBufferSize: 100,
		ReplyTTL:      time.Minute,
		OnError: func(ctx context.Context, req *Request, err error) {
			// Default: no-op
		},
		Logger: zap.NewNop(),
	}
}

func WithMsgBufferSize(size int) Option {
	return func(o *Options) {
		if size > 0 {
			o.MsgBufferSize = size
		}
	}
}

// WithReplyTTL bounds how long an unread reply stays in Valkey.
func WithReplyTTL(ttl time.Duration) Option {
	return func(o *Options) {
		if ttl >= time.Second {
			o.ReplyTTL = ttl
		}
	}
}

func WithOnError(handler ErrorHandler) Option {
	return func(o *Options) {
		if handler != nil {
			o.OnError = handler
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// DuplicatePolicy decides what Register does with a name that is already taken.
type DuplicatePolicy int

const (
	// ReplaceDuplicates keeps the newest command and closes the old one.
	ReplaceDuplicates DuplicatePolicy = iota
	// RejectDuplicates keeps the existing command and fails the registration.
	RejectDuplicates
)

func (p DuplicatePolicy) String() string {
	switch p {
	case ReplaceDuplicates:
		return "replace"
	case RejectDuplicates:
		return "reject"
	default:
		return "unknown"
	}
}

// TableOption configures a Table.
type TableOption func(*tableOptions)

type tableOptions struct {
	baseline   bool
	duplicates DuplicatePolicy
	logger     *zap.Logger
}

func defaultTableOptions() tableOptions {
	return tableOptions{
		baseline:   true,
		duplicates: ReplaceDuplicates,
		logger:     zap.NewNop(),
	}
}

// WithBaseline toggles the built-in test_add and test_sub commands.
func WithBaseline(enabled bool) TableOption {
	return func(o *tableOptions) {
		o.baseline = enabled
	}
}

func WithDuplicatePolicy(policy DuplicatePolicy) TableOption {
	return func(o *tableOptions) {
		o.duplicates = policy
	}
}

func WithTableLogger(logger *zap.Logger) TableOption {
	return func(o *tableOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	workers int
	onError ErrorHandler
	logger  *zap.Logger
	metrics *Metrics
}

func defaultServerOptions() serverOptions {
	return serverOptions{
		workers: 64,
		onError: func(ctx context.Context, req *Request, err error) {},
		logger:  zap.NewNop(),
	}
}

// WithWorkers caps the number of commands executing at once.
func WithWorkers(n int) ServerOption {
	return func(o *serverOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithServerOnError(handler ErrorHandler) ServerOption {
	return func(o *serverOptions) {
		if handler != nil {
			o.onError = handler
		}
	}
}

func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(o *serverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) ServerOption {
	return func(o *serverOptions) {
		o.metrics = m
	}
}
