package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/arloliu/go-termcom/errs"
	"github.com/arloliu/go-termcom/logger"
)

// ListenerPool shares TCP listeners between server mode transports bound to the same address.
//
// Every accepted peer is handed to exactly one waiting transport, so several sessions on one
// port each own an independent connection. A listener is closed when its last transport releases it.
type ListenerPool struct {
	mu        sync.Mutex
	listeners map[string]*sharedListener
	logger    logger.Logger
}

type sharedListener struct {
	addr    string
	ln      net.Listener
	conns   chan net.Conn
	closing chan struct{}
	refs    int
}

// NewListenerPool creates an empty listener pool.
func NewListenerPool(l logger.Logger) *ListenerPool {
	if l == nil {
		l = logger.GetLogger()
	}

	return &ListenerPool{
		listeners: make(map[string]*sharedListener),
		logger:    l,
	}
}

// Len returns the number of open listeners.
func (p *ListenerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.listeners)
}

func (p *ListenerPool) acquire(ctx context.Context, address string) (*sharedListener, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sl, ok := p.listeners[address]; ok {
		sl.refs++
		return sl, nil
	}

	p.logger.Debug("try to listen", "address", address)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		p.logger.Error("failed to listen", "address", address, "error", err)
		return nil, &errs.Error{Kind: errs.KindDeviceNotConnected, Op: "transport.tcp.listen", Msg: "cannot listen on " + address, Err: err}
	}

	sl := &sharedListener{
		addr:    address,
		ln:      ln,
		conns:   make(chan net.Conn),
		closing: make(chan struct{}),
		refs:    1,
	}
	p.listeners[address] = sl
	go p.acceptLoop(sl)

	return sl, nil
}

func (p *ListenerPool) release(sl *sharedListener) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sl.refs--
	if sl.refs > 0 {
		return
	}

	delete(p.listeners, sl.addr)
	close(sl.closing)
	if err := sl.ln.Close(); err != nil {
		p.logger.Warn("failed to close listener", "address", sl.addr, "error", err)
	}
	p.logger.Debug("listener closed", "address", sl.addr)
}

func (p *ListenerPool) acceptLoop(sl *sharedListener) {
	defer p.logger.Debug("accept loop terminated", "address", sl.addr)

	for {
		conn, err := sl.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-sl.closing:
				return
			default:
			}
			p.logger.Warn("failed to accept connection", "address", sl.addr, "error", err)

			continue
		}

		p.logger.Debug("connection accepted", "address", sl.addr, "remote_addr", conn.RemoteAddr().String())
		select {
		case sl.conns <- conn:
		case <-sl.closing:
			_ = conn.Close()
			return
		}
	}
}
