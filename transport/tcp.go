package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-termcom/device"
	"github.com/arloliu/go-termcom/errs"
	"github.com/arloliu/go-termcom/internal/util"
	"github.com/arloliu/go-termcom/logger"
)

// DefaultKeepAlive is the keep-alive period used when keep-alive is enabled.
const DefaultKeepAlive = 30 * time.Second

var aLongTimeAgo = time.Unix(1, 0)

// TCPOption configures a TCP transport.
type TCPOption func(*TCP)

// WithTCPLogger sets the logger.
func WithTCPLogger(l logger.Logger) TCPOption {
	return func(t *TCP) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithListenerPool sets the listener pool used in server mode.
func WithListenerPool(pool *ListenerPool) TCPOption {
	return func(t *TCP) {
		if pool != nil {
			t.pool = pool
		}
	}
}

// TCP is a Transport over a TCP connection, dialed in client mode or accepted in server mode.
type TCP struct {
	mu        sync.Mutex
	conn      net.Conn
	shared    *sharedListener
	pool      *ListenerPool
	connected atomic.Bool
	logger    logger.Logger
}

var _ Transport = (*TCP)(nil)

// NewTCP creates an unconnected TCP transport.
func NewTCP(opts ...TCPOption) *TCP {
	t := &TCP{logger: logger.GetLogger()}
	for _, opt := range opts {
		opt(t)
	}
	if t.pool == nil {
		t.pool = NewListenerPool(t.logger)
	}

	return t
}

// Kind returns device.KindTCP.
func (t *TCP) Kind() device.Kind {
	return device.KindTCP
}

// Connect dials the remote in client mode, or waits for one peer in server mode.
//
// In server mode Connect blocks until a peer connects or ctx is done.
func (t *TCP) Connect(ctx context.Context, cfg *device.Config) error {
	const op = "transport.tcp.connect"

	if cfg == nil || cfg.TCP == nil {
		return errs.New(errs.KindInvalidInput, op, "device has no tcp link")
	}

	t.mu.Lock()
	busy := t.conn != nil
	t.mu.Unlock()
	if busy {
		return errs.New(errs.KindSession, op, "transport already connected")
	}

	address := net.JoinHostPort(cfg.TCP.Host, strconv.Itoa(cfg.TCP.Port))

	var (
		conn   net.Conn
		shared *sharedListener
		err    error
	)
	if cfg.TCP.Server {
		conn, shared, err = t.accept(ctx, address)
	} else {
		conn, err = t.dial(ctx, address, cfg.TCP)
	}
	if err != nil {
		return err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(cfg.TCP.KeepAlive)
		if cfg.TCP.KeepAlive {
			_ = tcpConn.SetKeepAlivePeriod(DefaultKeepAlive)
		}
	}

	t.mu.Lock()
	t.conn = conn
	t.shared = shared
	t.mu.Unlock()
	t.connected.Store(true)

	t.logger.Debug("tcp connected",
		"address", address,
		"server", cfg.TCP.Server,
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String(),
	)

	return nil
}

func (t *TCP) dial(ctx context.Context, address string, cfg *device.TCPConfig) (net.Conn, error) {
	const op = "transport.tcp.dial"

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = device.DefaultTCPTimeout
	}

	keepAlive := time.Duration(-1)
	if cfg.KeepAlive {
		keepAlive = DefaultKeepAlive
	}
	dialer := &net.Dialer{KeepAlive: keepAlive}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		t.logger.Debug("failed to dial", "address", address, "error", err)
		if ctxErr := dialCtx.Err(); ctxErr != nil {
			return nil, &errs.Error{Kind: errs.FromContext(op, ctxErr).Kind, Op: op, Msg: address, Err: err}
		}

		return nil, classifyNetError(op, err)
	}

	return conn, nil
}

func (t *TCP) accept(ctx context.Context, address string) (net.Conn, *sharedListener, error) {
	const op = "transport.tcp.accept"

	sl, err := t.pool.acquire(ctx, address)
	if err != nil {
		return nil, nil, err
	}

	select {
	case conn := <-sl.conns:
		return conn, sl, nil
	case <-ctx.Done():
		t.pool.release(sl)
		return nil, nil, errs.FromContext(op, ctx.Err())
	}
}

// Disconnect closes the connection and releases the shared listener in server mode.
func (t *TCP) Disconnect() error {
	t.mu.Lock()
	conn, shared := t.conn, t.shared
	t.conn, t.shared = nil, nil
	t.mu.Unlock()

	t.connected.Store(false)

	if shared != nil {
		t.pool.release(shared)
	}
	if conn == nil {
		return nil
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0)
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return errs.Wrap(errs.KindIO, "transport.tcp.disconnect", err)
	}

	return nil
}

// Send writes data, bounded by the deadline of ctx.
func (t *TCP) Send(ctx context.Context, data []byte) (int, error) {
	const op = "transport.tcp.send"

	conn, err := t.activeConn(op)
	if err != nil {
		return 0, err
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetWriteDeadline(aLongTimeAgo) })
	defer stop()

	n, err := conn.Write(data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return n, errs.FromContext(op, ctxErr)
		}
		t.connected.Store(false)

		return n, classifyNetError(op, err)
	}

	return n, nil
}

// Receive reads the next chunk of data, bounded by the deadline of ctx.
//
// A deadline overrun returns a Timeout error and leaves the connection usable.
func (t *TCP) Receive(ctx context.Context) ([]byte, error) {
	const op = "transport.tcp.receive"

	conn, err := t.activeConn(op)
	if err != nil {
		return nil, err
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(aLongTimeAgo) })
	defer stop()

	buf := make([]byte, readBufferSize)
	n, err := conn.Read(buf)
	if n > 0 {
		return util.CloneSlice(buf[:n], 0), nil
	}

	if err == nil {
		return nil, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errs.FromContext(op, ctxErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil, &errs.Error{Kind: errs.KindTimeout, Op: op, Err: err}
	}

	t.connected.Store(false)
	if errors.Is(err, io.EOF) {
		return nil, &errs.Error{Kind: errs.KindCommunication, Op: op, Msg: "connection closed by peer", Err: err}
	}

	return nil, errs.Wrap(errs.KindCommunication, op, err)
}

// IsConnected reports whether the connection is up.
func (t *TCP) IsConnected() bool {
	return t.connected.Load()
}

// LocalAddr returns the local address of the connection, or nil when not connected.
func (t *TCP) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	return t.conn.LocalAddr()
}

func (t *TCP) activeConn(op string) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || !t.connected.Load() {
		return nil, errs.New(errs.KindCommunication, op, "tcp connection is not open")
	}

	return t.conn, nil
}

func classifyNetError(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &errs.Error{Kind: errs.KindTimeout, Op: op, Err: err}
	}

	return errs.Wrap(errs.KindCommunication, op, err)
}
