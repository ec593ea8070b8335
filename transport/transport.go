package transport

import (
	"context"

	"github.com/arloliu/go-termcom/device"
)

// Transport is the capability set shared by every link type.
//
// Implementations must be safe for one reader and one writer running concurrently, and
// Disconnect must unblock a pending Receive.
type Transport interface {
	// Kind returns the protocol kind of the transport.
	Kind() device.Kind
	// Connect establishes the link described by cfg.
	Connect(ctx context.Context, cfg *device.Config) error
	// Disconnect releases the link. It is safe to call more than once.
	Disconnect() error
	// Send writes data and returns the number of bytes written.
	Send(ctx context.Context, data []byte) (int, error)
	// Receive blocks until data arrives, ctx is done, or the link closes.
	Receive(ctx context.Context) ([]byte, error)
	// IsConnected reports whether the link is up.
	IsConnected() bool
}

// IsPassive reports whether connecting cfg waits for a remote peer instead of reaching out,
// i.e. a TCP device in server mode.
func IsPassive(cfg *device.Config) bool {
	return cfg != nil && cfg.TCP != nil && cfg.TCP.Server
}

const readBufferSize = 4096
