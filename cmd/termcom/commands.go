package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/arloliu/go-termcom/comm"
	"github.com/arloliu/go-termcom/device"
	"github.com/arloliu/go-termcom/errs"
	"github.com/arloliu/go-termcom/manager"
	"github.com/arloliu/go-termcom/transport"
	"github.com/spf13/cobra"
)

func newTransportsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "transports",
		Short: "List the supported transports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := a.newManager()
			if err != nil {
				return err
			}
			defer stopEngine(mgr)

			for _, kind := range mgr.Engine().AvailableTransports() {
				fmt.Fprintln(cmd.OutOrStdout(), kind)
			}

			return nil
		},
	}
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List the serial ports present on this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := transport.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}

			return nil
		},
	}
}

func newDevicesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the configured devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devs, err := a.cfg.DeviceConfigs()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tADDRESS\tCOMMANDS\tDESCRIPTION")
			for _, dev := range devs {
				names := make([]string, 0, len(dev.Commands))
				for _, c := range dev.Commands {
					names = append(names, c.Name)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", dev.Name, dev.Kind(), address(dev), strings.Join(names, ","), dev.Description)
			}

			return w.Flush()
		},
	}
}

func newSendCmd(a *app) *cobra.Command {
	var (
		hexData string
		text    string
		command string
		wait    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <device>",
		Short: "Send data to a device",
		Long: "Send data to a device and optionally print what it sends back.\n" +
			"Text and commands accept the escapes \\r, \\n, \\t and \\xHH.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			mgr, err := a.newManager()
			if err != nil {
				return err
			}
			defer stopEngine(mgr)

			id, err := openDevice(ctx, a, mgr, args[0], false)
			if err != nil {
				return err
			}

			sub := mgr.Engine().Subscribe(0, comm.Pattern{SessionID: id, Types: []comm.MessageType{comm.MessageReceived}})
			defer sub.Close()

			var msg *comm.Message
			switch {
			case hexData != "":
				data, perr := parseHex(hexData)
				if perr != nil {
					return perr
				}
				msg, err = mgr.SendData(ctx, id, data)
			case text != "":
				msg, err = mgr.SendData(ctx, id, []byte(unescape(text)))
			default:
				msg, err = mgr.SendCommand(ctx, id, unescape(command))
			}
			if err != nil {
				return err
			}
			if msg == nil {
				info, _ := mgr.SessionInfo(id)
				return errs.New(errs.KindCommunication, "termcom.send", "link lost: %s", info.LastError)
			}
			printMessage(cmd.OutOrStdout(), msg)

			if wait <= 0 {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			for {
				m, err := sub.Next(wctx)
				if err != nil {
					// wait elapsed
					return nil
				}
				printMessage(cmd.OutOrStdout(), m)
			}
		},
	}

	cmd.Flags().StringVar(&hexData, "hex", "", `bytes as hex, e.g. "41 54 0d"`)
	cmd.Flags().StringVar(&text, "text", "", "raw text")
	cmd.Flags().StringVar(&command, "command", "", "text sent as a command")
	cmd.Flags().DurationVar(&wait, "wait", 0, "print received data for this long")
	cmd.MarkFlagsMutuallyExclusive("hex", "text", "command")
	cmd.MarkFlagsOneRequired("hex", "text", "command")

	return cmd
}

func newMonitorCmd(a *app) *cobra.Command {
	var showSystem bool

	cmd := &cobra.Command{
		Use:   "monitor <device>...",
		Short: "Print the traffic of devices until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			mgr, err := a.newManager()
			if err != nil {
				return err
			}
			defer stopEngine(mgr)

			types := []comm.MessageType{comm.MessageReceived, comm.MessageError}
			if showSystem {
				types = append(types, comm.MessageSystem)
			}
			sub := mgr.Engine().Subscribe(0, comm.Pattern{Types: types})
			defer sub.Close()

			for _, name := range args {
				if _, err := openDevice(ctx, a, mgr, name, true); err != nil {
					return err
				}
			}

			for {
				m, err := sub.Next(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}

					return err
				}
				printMessage(cmd.OutOrStdout(), m)
			}
		},
	}
	cmd.Flags().BoolVar(&showSystem, "system", false, "also print session lifecycle events")

	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run <device> <command> [key=value]...",
		Short: "Run a command template of a device and print the response",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			vars, err := parseVars(args[2:])
			if err != nil {
				return err
			}

			mgr, err := a.newManager()
			if err != nil {
				return err
			}
			defer stopEngine(mgr)

			id, err := openDevice(ctx, a, mgr, args[0], false)
			if err != nil {
				return err
			}

			resp, err := mgr.RunCommand(ctx, id, args[1], vars)
			if err != nil {
				return err
			}

			ms, _ := resp.Meta(comm.MetaDurationMS)
			fmt.Fprintf(cmd.OutOrStdout(), "%s(%s ms)\n", resp.Text(), ms)

			return nil
		},
	}
}

// openDevice creates a session for the named device and requires it to connect.
func openDevice(ctx context.Context, a *app, mgr *manager.Manager, name string, reconnect bool) (string, error) {
	dev, err := a.cfg.Device(name)
	if err != nil {
		return "", err
	}

	id, err := mgr.CreateDeviceSession(ctx, dev, comm.WithAutoReconnect(reconnect))
	if err != nil {
		return "", err
	}

	s, _ := mgr.Session(id)
	if s.Status() == comm.StatusConnecting {
		// server mode waits for its peer
		if err := s.WaitStatus(ctx, comm.StatusActive, comm.StatusStopped, comm.StatusFailed); err != nil {
			return "", err
		}
	}
	if st := s.Status(); st != comm.StatusActive && !reconnect {
		if err := s.LastError(); err != nil {
			return "", err
		}

		return "", errs.New(errs.KindDeviceNotConnected, "termcom.open", "device %s is %s", name, st)
	}

	return id, nil
}

func stopEngine(mgr *manager.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = mgr.Engine().Stop(ctx)
}

func address(dev *device.Config) string {
	switch {
	case dev.Serial != nil:
		return fmt.Sprintf("%s@%d", dev.Serial.Port, dev.Serial.BaudRate)
	case dev.TCP != nil && dev.TCP.Server:
		return fmt.Sprintf("listen %s:%d", dev.TCP.Host, dev.TCP.Port)
	case dev.TCP != nil:
		return fmt.Sprintf("%s:%d", dev.TCP.Host, dev.TCP.Port)
	default:
		return ""
	}
}

func printMessage(w io.Writer, m *comm.Message) {
	body := m.Text()
	if !isPrintable(body) {
		body = m.Hex()
	} else {
		body = strconv.Quote(body)
	}
	fmt.Fprintf(w, "%s %-8s %-9s %s\n", m.Timestamp().Format("15:04:05.000"), m.DeviceName(), m.Type(), body)
}

func isPrintable(s string) bool {
	for _, r := range s {
		if r == '\r' || r == '\n' || r == '\t' {
			continue
		}
		if r < 0x20 || r == 0x7f || r == utf8.RuneError {
			return false
		}
	}

	return true
}

// parseHex parses bytes written as hex digits, optionally separated by spaces, colons or
// commas, with an optional 0x prefix per byte.
func parseHex(s string) ([]byte, error) {
	const op = "termcom.parse_hex"

	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ':' || r == ','
	})
	var sb strings.Builder
	for _, f := range fields {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		if len(f)%2 == 1 {
			f = "0" + f
		}
		sb.WriteString(f)
	}

	data, err := hex.DecodeString(sb.String())
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, op, err)
	}
	if len(data) == 0 {
		return nil, errs.New(errs.KindInvalidInput, op, "no bytes in %q", s)
	}

	return data, nil
}

// unescape expands \r, \n, \t, \\ and \xHH.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			sb.WriteByte(c)
			continue
		}

		i++
		switch s[i] {
		case 'r':
			sb.WriteByte('\r')
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case '\\':
			sb.WriteByte('\\')
		case 'x':
			if i+2 < len(s) {
				if b, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
					sb.WriteByte(byte(b))
					i += 2

					continue
				}
			}
			sb.WriteString(`\x`)
		default:
			sb.WriteByte('\\')
			sb.WriteByte(s[i])
		}
	}

	return sb.String()
}

func parseVars(args []string) (map[string]string, error) {
	vars := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, errs.New(errs.KindInvalidInput, "termcom.parse_vars", "expected key=value, got %q", arg)
		}
		vars[key] = value
	}

	return vars, nil
}
