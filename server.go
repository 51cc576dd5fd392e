package rpctable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// unknownMethod is the metrics label used for methods missing from the table,
// so arbitrary client input cannot grow label cardinality.
const unknownMethod = "<unknown>"

// Server is the dispatch loop: it pulls requests from a transport, resolves
// them through a Table and replies with the command's outcome.
type Server interface {
	Register(cmd Command) error
	Start(ctx context.Context) error
	Shutdown() error
	IsRunning() bool
	// Done is closed once the server stops consuming requests, either
	// because the transport ran dry or because of Shutdown.
	Done() <-chan struct{}
}

type serverImpl struct {
	table     *Table
	transport Transport
	options   serverOptions
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	workers   *errgroup.Group
	done      chan struct{}
	started   bool
	mu        sync.RWMutex
}

// NewServer creates a server dispatching requests from transport into table.
func NewServer(table *Table, transport Transport, opts ...ServerOption) Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &serverImpl{
		table:     table,
		transport: transport,
		options:   options,
		logger:    options.logger.Named("server"),
	}
}

// Register adds a command to the server's table
func (s *serverImpl) Register(cmd Command) error {
	return s.table.Register(cmd)
}

// Start begins consuming requests from the transport
func (s *serverImpl) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrServerAlreadyStarted
	}

	if !s.transport.IsConnected() {
		return ErrTransportNotConnected
	}

	if err := s.transport.Subscribe(ctx); err != nil {
		return err
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.workers = &errgroup.Group{}
	s.workers.SetLimit(s.options.workers)
	s.done = make(chan struct{})

	s.wg.Add(1)
	go func(done chan struct{}) {
		defer s.wg.Done()
		defer close(done)
		s.processDeliveries()
	}(s.done)

	s.started = true
	s.logger.Info("server started", zap.Int("workers", s.options.workers), zap.Int("methods", s.table.Len()))
	return nil
}

// processDeliveries hands every inbound request to the worker group
func (s *serverImpl) processDeliveries() {
	deliveries := s.transport.Deliveries()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				// Transport stopped delivering
				return
			}

			// Blocks while the worker limit is reached
			s.workers.Go(func() error {
				s.dispatch(s.ctx, d)
				return nil
			})

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *serverImpl) dispatch(ctx context.Context, d Delivery) {
	if d.Request == nil {
		rpcErr := d.DecodeErr
		if rpcErr == nil {
			rpcErr = ErrParseError("empty frame")
		}
		s.options.metrics.recordRequest(unknownMethod, OutcomeInvalid)
		s.options.onError(ctx, nil, rpcErr)
		s.reply(ctx, d, &Response{JSONRPC: jsonrpcVersion, Error: rpcErr, ID: json.RawMessage("null")})
		return
	}

	req := d.Request
	resp := s.handle(ctx, req)
	if req.IsNotification() {
		return
	}
	s.reply(ctx, d, resp)
}

// handle runs req against the table and builds the response.
func (s *serverImpl) handle(ctx context.Context, req *Request) *Response {
	resp := &Response{JSONRPC: jsonrpcVersion, ID: req.ID}

	if req.JSONRPC != jsonrpcVersion {
		s.options.metrics.recordRequest(unknownMethod, OutcomeInvalid)
		resp.Error = ErrInvalidRequest(`jsonrpc field must be "2.0"`)
		return resp
	}
	if req.Method == "" {
		s.options.metrics.recordRequest(unknownMethod, OutcomeInvalid)
		resp.Error = ErrInvalidRequest("method is required")
		return resp
	}

	cmd, err := s.table.Lookup(req.Method)
	if err != nil {
		s.options.metrics.recordRequest(unknownMethod, OutcomeNotFound)
		s.logger.Debug("method not found", zap.String("method", req.Method))
		resp.Error = toRPCError(req.Method, err)
		return resp
	}

	s.options.metrics.begin()
	start := time.Now()
	result, err := safeExecute(ctx, cmd, req.Params)
	s.options.metrics.observe(req.Method, time.Since(start))
	s.options.metrics.end()

	if err != nil {
		var pe *panicError
		if errors.As(err, &pe) {
			s.options.metrics.recordRequest(req.Method, OutcomePanic)
			s.logger.Error("command panicked", zap.String("method", req.Method), zap.Any("panic", pe.value))
			resp.Error = ErrInternalError("command panicked")
		} else {
			s.options.metrics.recordRequest(req.Method, OutcomeError)
			s.logger.Debug("command failed", zap.String("method", req.Method), zap.Error(err))
			resp.Error = toRPCError(req.Method, err)
		}
		s.options.onError(ctx, req, err)
		return resp
	}

	s.options.metrics.recordRequest(req.Method, OutcomeOK)
	if result == nil {
		result = json.RawMessage("null")
	}
	resp.Result = result
	return resp
}

func (s *serverImpl) reply(ctx context.Context, d Delivery, resp *Response) {
	if d.Reply == nil {
		return
	}
	// Replies go out even when the command saw a cancelled context
	if err := d.Reply(context.WithoutCancel(ctx), resp); err != nil {
		method := unknownMethod
		if d.Request != nil {
			method = d.Request.Method
		}
		s.options.metrics.recordRequest(method, OutcomeReplyFailed)
		s.logger.Warn("failed to send reply", zap.String("method", method), zap.Error(err))
		s.options.onError(ctx, d.Request, err)
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("command panicked: %v", e.value)
}

// safeExecute runs cmd and converts a panic into a *panicError.
func safeExecute(ctx context.Context, cmd Command, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &panicError{value: r}
		}
	}()
	return cmd.Execute(ctx, params)
}

// IsRunning returns true if the server is currently consuming requests
func (s *serverImpl) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *serverImpl) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// Shutdown stops consuming requests and waits for in-flight commands
func (s *serverImpl) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.cancel()
	s.wg.Wait()
	_ = s.workers.Wait()

	// Closed last so replies of in-flight commands can still be sent
	err := s.transport.Close()

	s.started = false
	s.logger.Info("server stopped")
	return err
}
