// Package transporttest provides an in-memory serial port for testing code built on the transport package.
//
//	lb := transporttest.NewLoopback()
//	port := lb.AddPort("/dev/ttyLOOP0")
//	reg := transport.NewRegistry()
//	_ = reg.Register(device.KindSerial, func() transport.Transport {
//	    return transport.NewSerial(transport.WithPortOpener(lb.Open))
//	})
package transporttest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrUnplugged is returned by I/O on an unplugged port.
var ErrUnplugged = errors.New("loopback port unplugged")

// ErrClosed is returned by I/O on a closed port.
var ErrClosed = errors.New("loopback port closed")

// Loopback is a set of in-memory serial ports. Its Open method is a transport.PortOpener.
type Loopback struct {
	mu    sync.Mutex
	ports map[string]*Port
}

// NewLoopback creates an empty set of ports.
func NewLoopback() *Loopback {
	return &Loopback{ports: make(map[string]*Port)}
}

// AddPort plugs in a port that echoes every write back to its reader.
func (l *Loopback) AddPort(name string) *Port {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := &Port{name: name, echo: true, notify: make(chan struct{}, 1)}
	l.ports[name] = p

	return p
}

// RemovePort removes a port, so opening it fails as if the device were absent.
func (l *Loopback) RemovePort(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.ports, name)
}

// Open opens a port by name. It fails if the port is absent or already open.
func (l *Loopback) Open(name string, mode *serial.Mode) (serial.Port, error) {
	l.mu.Lock()
	p, ok := l.ports[name]
	l.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("open %s: no such file or directory", name)
	}

	if err := p.open(mode); err != nil {
		return nil, err
	}

	return p, nil
}

// Port is an in-memory serial.Port. Methods the transport does not use panic.
type Port struct {
	serial.Port

	mu          sync.Mutex
	name        string
	mode        serial.Mode
	opened      bool
	unplugged   bool
	echo        bool
	rts         bool
	readTimeout time.Duration
	rx          []byte
	tx          []byte
	opens       int
	notify      chan struct{}
}

func (p *Port) open(mode *serial.Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opened {
		return fmt.Errorf("open %s: device or resource busy", p.name)
	}
	if mode != nil {
		p.mode = *mode
	}
	p.opened = true
	p.unplugged = false
	p.rx = nil
	p.readTimeout = serial.NoTimeout
	p.opens++

	return nil
}

// SetEcho enables or disables echoing writes back to the reader.
func (p *Port) SetEcho(echo bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.echo = echo
}

// Inject makes data available to the reader as if the device had sent it.
func (p *Port) Inject(data []byte) {
	p.mu.Lock()
	p.rx = append(p.rx, data...)
	p.mu.Unlock()
	p.signal()
}

// Unplug makes every subsequent read and write fail until the port is reopened.
func (p *Port) Unplug() {
	p.mu.Lock()
	p.unplugged = true
	p.mu.Unlock()
	p.signal()
}

// Written returns every byte written to the port since it was added.
func (p *Port) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]byte, len(p.tx))
	copy(out, p.tx)

	return out
}

// Mode returns the mode the port was last opened with.
func (p *Port) Mode() serial.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.mode
}

// IsOpen reports whether the port is open.
func (p *Port) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.opened
}

// Opens returns how many times the port was opened.
func (p *Port) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.opens
}

// RTS returns the last RTS value set.
func (p *Port) RTS() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.rts
}

func (p *Port) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Read blocks until data is available, the read timeout elapses (returning 0, nil), or the port fails.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	timeout := p.readTimeout
	p.mu.Unlock()

	var expired <-chan time.Time
	if timeout != serial.NoTimeout {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		p.mu.Lock()
		switch {
		case !p.opened:
			p.mu.Unlock()
			return 0, ErrClosed
		case p.unplugged:
			p.mu.Unlock()
			return 0, ErrUnplugged
		case len(p.rx) > 0:
			n := copy(buf, p.rx)
			p.rx = p.rx[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-expired:
			return 0, nil
		}
	}
}

// Write records data and echoes it back when echo is enabled.
func (p *Port) Write(data []byte) (int, error) {
	p.mu.Lock()
	switch {
	case !p.opened:
		p.mu.Unlock()
		return 0, ErrClosed
	case p.unplugged:
		p.mu.Unlock()
		return 0, ErrUnplugged
	}
	p.tx = append(p.tx, data...)
	if p.echo {
		p.rx = append(p.rx, data...)
	}
	p.mu.Unlock()
	p.signal()

	return len(data), nil
}

// SetReadTimeout sets the timeout of one Read call.
func (p *Port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t

	return nil
}

// SetRTS sets the RTS line.
func (p *Port) SetRTS(rts bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rts = rts

	return nil
}

// Close closes the port and unblocks a pending Read.
func (p *Port) Close() error {
	p.mu.Lock()
	p.opened = false
	p.mu.Unlock()
	p.signal()

	return nil
}
