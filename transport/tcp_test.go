package transport_test

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/arloliu/go-termcom/device"
	"github.com/arloliu/go-termcom/errs"
	"github.com/arloliu/go-termcom/transport"
	"github.com/stretchr/testify/require"
)

// startEchoServer accepts connections and echoes everything back until the test ends.
func startEchoServer(t *testing.T) (string, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)

	return addr.IP.String(), addr.Port
}

// closedPort returns a local port nobody listens on.
func closedPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return port
}

func TestTCPClient(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	host, port := startEchoServer(t)
	cfg := device.NewTCP("echo", host, port)
	cfg.TCP.KeepAlive = true

	tr := transport.NewTCP()
	require.NoError(tr.Connect(ctx, cfg))
	require.True(tr.IsConnected())
	require.NotNil(tr.LocalAddr())

	n, err := tr.Send(ctx, []byte("hello"))
	require.NoError(err)
	require.Equal(5, n)

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	data, err := tr.Receive(rctx)
	require.NoError(err)
	require.Equal("hello", string(data))

	require.ErrorIs(tr.Connect(ctx, cfg), errs.ErrSession)

	require.NoError(tr.Disconnect())
	require.False(tr.IsConnected())
	require.Nil(tr.LocalAddr())

	_, err = tr.Send(ctx, []byte("x"))
	require.ErrorIs(err, errs.ErrCommunication)
}

func TestTCPClientRefused(t *testing.T) {
	require := require.New(t)

	tr := transport.NewTCP()
	err := tr.Connect(context.Background(), device.NewTCP("dev", "127.0.0.1", closedPort(t)))
	require.Error(err)
	require.True(errs.IsTransient(err))
	require.False(tr.IsConnected())
}

func TestTCPReceiveTimeoutKeepsLink(t *testing.T) {
	require := require.New(t)

	host, port := startEchoServer(t)
	tr := transport.NewTCP()
	require.NoError(tr.Connect(context.Background(), device.NewTCP("echo", host, port)))
	defer func() { _ = tr.Disconnect() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := tr.Receive(ctx)
	require.ErrorIs(err, errs.ErrTimeout)
	require.True(tr.IsConnected())

	_, err = tr.Send(context.Background(), []byte("again"))
	require.NoError(err)

	rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
	defer rcancel()
	data, err := tr.Receive(rctx)
	require.NoError(err)
	require.Equal("again", string(data))
}

func TestTCPReceiveCanceled(t *testing.T) {
	require := require.New(t)

	host, port := startEchoServer(t)
	tr := transport.NewTCP()
	require.NoError(tr.Connect(context.Background(), device.NewTCP("echo", host, port)))
	defer func() { _ = tr.Disconnect() }()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := tr.Receive(ctx)
	require.ErrorIs(err, errs.ErrCommunication)
	require.ErrorIs(err, context.Canceled)
}

func TestTCPPeerClosed(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	tr := transport.NewTCP()
	require.NoError(tr.Connect(context.Background(), device.NewTCP("dev", "127.0.0.1", addr.Port)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = tr.Receive(ctx)
	require.ErrorIs(err, errs.ErrCommunication)
	require.False(tr.IsConnected())
	require.NoError(tr.Disconnect())
}

func TestTCPServerOnePeerPerTransport(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	pool := transport.NewListenerPool(nil)
	port := closedPort(t)
	cfg := &device.Config{Name: "srv", TCP: &device.TCPConfig{Host: "127.0.0.1", Port: port, Server: true}}
	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	srv1 := transport.NewTCP(transport.WithListenerPool(pool))
	srv2 := transport.NewTCP(transport.WithListenerPool(pool))

	errCh := make(chan error, 2)
	go func() { errCh <- srv1.Connect(ctx, cfg) }()
	go func() { errCh <- srv2.Connect(ctx, cfg) }()

	var peers []net.Conn
	require.Eventually(func() bool {
		conn, err := net.Dial("tcp", address)
		if err != nil {
			return false
		}
		peers = append(peers, conn)
		return true
	}, time.Second, 10*time.Millisecond)

	peer2, err := net.Dial("tcp", address)
	require.NoError(err)
	peers = append(peers, peer2)
	defer func() {
		for _, p := range peers {
			_ = p.Close()
		}
	}()

	require.NoError(<-errCh)
	require.NoError(<-errCh)
	require.True(srv1.IsConnected())
	require.True(srv2.IsConnected())
	require.Equal(1, pool.Len())

	// each transport owns an independent peer
	_, err = peers[0].Write([]byte("a"))
	require.NoError(err)
	_, err = peers[1].Write([]byte("b"))
	require.NoError(err)

	got := map[string]bool{}
	for _, tr := range []*transport.TCP{srv1, srv2} {
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		data, err := tr.Receive(rctx)
		cancel()
		require.NoError(err)
		got[string(data)] = true
	}
	require.Equal(map[string]bool{"a": true, "b": true}, got)

	require.NoError(srv1.Disconnect())
	require.Equal(1, pool.Len())
	require.NoError(srv2.Disconnect())
	require.Equal(0, pool.Len())
}

func TestTCPServerConnectCanceled(t *testing.T) {
	require := require.New(t)

	pool := transport.NewListenerPool(nil)
	cfg := &device.Config{Name: "srv", TCP: &device.TCPConfig{Host: "127.0.0.1", Port: closedPort(t), Server: true}}
	tr := transport.NewTCP(transport.WithListenerPool(pool))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := tr.Connect(ctx, cfg)
	require.ErrorIs(err, errs.ErrTimeout)
	require.False(tr.IsConnected())
	require.Equal(0, pool.Len())
}
