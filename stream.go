package rpctable

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

// streamConn is one newline-delimited JSON-RPC byte stream.
type streamConn struct {
	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex
}

func newStreamConn(r io.Reader, w io.Writer) *streamConn {
	return &streamConn{reader: bufio.NewReader(r), writer: w}
}

// reply writes resp as a single line. Safe for concurrent use.
func (c *streamConn) reply(_ context.Context, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.writer.Write(data)
	return err
}

// readFrames delivers every non-blank line of conn until EOF, a read error,
// or done is closed.
func readFrames(conn *streamConn, out chan<- Delivery, done <-chan struct{}) error {
	for {
		line, err := conn.reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			select {
			case out <- newDelivery(line, conn.reply):
			case <-done:
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// StreamTransport serves a single reader/writer pair, such as stdin/stdout.
// Deliveries is closed when the reader is exhausted.
type StreamTransport struct {
	conn       *streamConn
	closer     io.Closer
	deliveries chan Delivery
	done       chan struct{}
	once       sync.Once
	mu         sync.RWMutex
	subscribed bool
	connected  bool
	options    Options
	logger     *zap.Logger
}

// NewStreamTransport wraps r and w. If r implements io.Closer it is closed
// together with the transport.
func NewStreamTransport(r io.Reader, w io.Writer, opts ...Option) *StreamTransport {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	closer, _ := r.(io.Closer)
	return &StreamTransport{
		conn:       newStreamConn(r, w),
		closer:     closer,
		deliveries: make(chan Delivery, options.MsgBufferSize),
		done:       make(chan struct{}),
		connected:  true,
		options:    options,
		logger:     options.Logger.Named("stream"),
	}
}

func (s *StreamTransport) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribed {
		return nil
	}
	if !s.connected {
		return ErrTransportNotConnected
	}

	go func() {
		defer close(s.deliveries)
		if err := readFrames(s.conn, s.deliveries, s.done); err != nil {
			s.logger.Warn("stream read failed", zap.Error(err))
			s.options.OnError(ctx, nil, err)
		}
	}()

	s.subscribed = true
	return nil
}

func (s *StreamTransport) Deliveries() <-chan Delivery {
	return s.deliveries
}

func (s *StreamTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}

	var err error
	s.once.Do(func() {
		close(s.done)
		if s.closer != nil {
			err = s.closer.Close()
		}
		s.connected = false
	})
	return err
}

func (s *StreamTransport) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// TCPTransport accepts TCP connections and feeds requests from all of them
// into one delivery channel. Replies go back on the originating connection.
type TCPTransport struct {
	listener   net.Listener
	deliveries chan Delivery
	done       chan struct{}
	once       sync.Once
	mu         sync.Mutex
	conns      map[net.Conn]struct{}
	wg         sync.WaitGroup
	subscribed bool
	connected  bool
	options    Options
	logger     *zap.Logger
}

// ListenTCP starts listening on addr. Connections are accepted once
// Subscribe is called.
func ListenTCP(addr string, opts ...Option) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return NewTCPTransport(ln, opts...), nil
}

// NewTCPTransport serves connections accepted from ln and owns it.
func NewTCPTransport(ln net.Listener, opts ...Option) *TCPTransport {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &TCPTransport{
		listener:   ln,
		deliveries: make(chan Delivery, options.MsgBufferSize),
		done:       make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
		connected:  true,
		options:    options,
		logger:     options.Logger.Named("tcp").With(zap.Stringer("addr", ln.Addr())),
	}
}

// Addr returns the listener's network address.
func (t *TCPTransport) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *TCPTransport) Subscribe(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.subscribed {
		return nil
	}
	if !t.connected {
		return ErrTransportNotConnected
	}

	go t.acceptLoop(ctx)

	t.subscribed = true
	return nil
}

func (t *TCPTransport) acceptLoop(ctx context.Context) {
	defer func() {
		t.wg.Wait()
		close(t.deliveries)
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Warn("accept failed", zap.Error(err))
				t.options.OnError(ctx, nil, err)
			}
			return
		}

		if !t.track(conn) {
			conn.Close()
			return
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.untrack(conn)

			t.logger.Debug("connection opened", zap.Stringer("remote", conn.RemoteAddr()))
			if err := readFrames(newStreamConn(conn, conn), t.deliveries, t.done); err != nil && !t.closing() {
				t.logger.Debug("connection read failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
		}()
	}
}

func (t *TCPTransport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return false
	}
	t.conns[conn] = struct{}{}
	return true
}

// untrack forgets conn and closes it.
func (t *TCPTransport) untrack(conn net.Conn) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
	conn.Close()
}

func (t *TCPTransport) closing() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *TCPTransport) Deliveries() <-chan Delivery {
	return t.deliveries
}

// Close stops accepting connections and closes the open ones.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}

	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.listener.Close()
		for conn := range t.conns {
			conn.Close()
		}
		t.connected = false
	})
	return err
}

func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
