// Package transport abstracts the physical links the communication core talks over.
//
// A Transport owns exactly one connection: a serial line opened through go.bug.st/serial,
// or a TCP socket that is either dialed (client mode) or accepted from a shared listener
// (server mode, one peer per Transport). Payloads are opaque byte slices.
//
// Transports are created through a Registry keyed by device.Kind, which lets new link types
// be plugged in without touching session logic:
//
//	reg := transport.NewDefaultRegistry(logger.GetLogger())
//	t, err := reg.Resolve(devCfg)
//	if err != nil {
//	    return err
//	}
//	if err := t.Connect(ctx, devCfg); err != nil {
//	    return err
//	}
//	defer t.Disconnect()
//
// All errors are *errs.Error values. Connect failures caused by a missing, busy or forbidden
// device are DeviceNotConnected; link failures are Communication; deadline overruns are Timeout.
package transport
