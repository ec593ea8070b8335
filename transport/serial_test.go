package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/arloliu/go-termcom/device"
	"github.com/arloliu/go-termcom/errs"
	"github.com/arloliu/go-termcom/transport"
	"github.com/arloliu/go-termcom/transport/transporttest"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func newLoopbackSerial(t *testing.T) (*transport.Serial, *transporttest.Port, *device.Config) {
	t.Helper()

	lb := transporttest.NewLoopback()
	port := lb.AddPort("/dev/ttyLOOP0")
	tr := transport.NewSerial(
		transport.WithPortOpener(lb.Open),
		transport.WithSerialPoll(10*time.Millisecond),
	)

	return tr, port, device.NewSerial("loop", "/dev/ttyLOOP0", 9600)
}

func TestSerialLoopback(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	tr, port, cfg := newLoopbackSerial(t)
	cfg.Serial.Parity = device.ParityEven
	cfg.Serial.StopBits = 2

	require.NoError(tr.Connect(ctx, cfg))
	require.True(tr.IsConnected())
	require.Equal(serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.EvenParity, StopBits: serial.TwoStopBits}, port.Mode())

	n, err := tr.Send(ctx, []byte{0x41, 0x54})
	require.NoError(err)
	require.Equal(2, n)

	data, err := tr.Receive(ctx)
	require.NoError(err)
	require.Equal([]byte{0x41, 0x54}, data)
	require.Equal([]byte{0x41, 0x54}, port.Written())

	require.NoError(tr.Disconnect())
	require.False(tr.IsConnected())
	require.False(port.IsOpen())
	require.NoError(tr.Disconnect())
}

func TestSerialConnectErrors(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	t.Run("missing device", func(t *testing.T) {
		tr := transport.NewSerial(transport.WithPortOpener(transporttest.NewLoopback().Open))
		err := tr.Connect(ctx, device.NewSerial("dev", "/dev/ttyMISSING", 9600))
		require.ErrorIs(err, errs.ErrDeviceNotConnected)
		require.False(tr.IsConnected())
	})

	t.Run("busy device", func(t *testing.T) {
		tr1, _, cfg := newLoopbackSerial(t)
		require.NoError(tr1.Connect(ctx, cfg))
		defer func() { _ = tr1.Disconnect() }()

		require.ErrorIs(tr1.Connect(ctx, cfg), errs.ErrSession)
	})

	t.Run("no serial link", func(t *testing.T) {
		tr := transport.NewSerial()
		require.ErrorIs(tr.Connect(ctx, device.NewTCP("dev", "localhost", 1)), errs.ErrInvalidInput)
	})

	t.Run("bad stop bits", func(t *testing.T) {
		tr, _, cfg := newLoopbackSerial(t)
		cfg.Serial.StopBits = 3
		require.ErrorIs(tr.Connect(ctx, cfg), errs.ErrInvalidInput)
	})
}

func TestSerialHardwareFlowControl(t *testing.T) {
	require := require.New(t)

	tr, port, cfg := newLoopbackSerial(t)
	cfg.Serial.FlowControl = device.FlowControlHardware
	require.NoError(tr.Connect(context.Background(), cfg))
	require.True(port.RTS())
	require.NoError(tr.Disconnect())
}

func TestSerialReceive(t *testing.T) {
	require := require.New(t)

	tr, port, cfg := newLoopbackSerial(t)
	require.NoError(tr.Connect(context.Background(), cfg))
	defer func() { _ = tr.Disconnect() }()

	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := tr.Receive(ctx)
		require.ErrorIs(err, errs.ErrTimeout)
		require.True(tr.IsConnected())
	})

	t.Run("injected data", func(t *testing.T) {
		time.AfterFunc(20*time.Millisecond, func() { port.Inject([]byte("OK\r\n")) })

		data, err := tr.Receive(context.Background())
		require.NoError(err)
		require.Equal("OK\r\n", string(data))
	})

	t.Run("unplugged", func(t *testing.T) {
		port.Unplug()

		_, err := tr.Receive(context.Background())
		require.ErrorIs(err, errs.ErrCommunication)
		require.False(tr.IsConnected())

		_, err = tr.Send(context.Background(), []byte{0x01})
		require.ErrorIs(err, errs.ErrCommunication)
	})
}
