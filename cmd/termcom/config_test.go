package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arloliu/go-termcom/device"
	"github.com/arloliu/go-termcom/errs"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[global]
log_level = "debug"
max_sessions = 4
timeout = "2s"

[[devices]]
name = "modem"
description = "bench modem"

[devices.serial]
port = "/dev/ttyUSB0"
baud_rate = 115200
parity = "Even"

[[devices.commands]]
name = "echo"
template = "ATE{{mode}}\r\n"
response_pattern = "OK"
timeout = "500ms"

[[devices]]
name = "plc"

[devices.tcp]
host = "192.168.1.10"
port = 502
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "termcom.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(err)

	g, err := cfg.GlobalConfig()
	require.NoError(err)
	require.Equal("debug", g.LogLevel)
	require.Equal(4, g.MaxSessions)
	require.Equal(2*time.Second, g.Timeout)
	require.Equal(device.DefaultGlobalConfig().HistoryLimit, g.HistoryLimit)

	devs, err := cfg.DeviceConfigs()
	require.NoError(err)
	require.Len(devs, 2)

	modem := devs[0]
	require.Equal(device.KindSerial, modem.Kind())
	require.Equal("bench modem", modem.Description)
	require.Equal(115200, modem.Serial.BaudRate)
	require.Equal(device.DefaultDataBits, modem.Serial.DataBits)
	require.Equal(device.DefaultStopBits, modem.Serial.StopBits)
	require.Equal(device.ParityEven, modem.Serial.Parity)
	require.Equal(device.FlowControlNone, modem.Serial.FlowControl)

	echo, ok := modem.Command("echo")
	require.True(ok)
	require.Equal("ATE1\r\n", echo.Render(map[string]string{"mode": "1"}))
	require.Equal(500*time.Millisecond, echo.Timeout)

	plc, err := cfg.Device("plc")
	require.NoError(err)
	require.Equal(device.KindTCP, plc.Kind())
	require.Equal(502, plc.TCP.Port)
	require.Equal(device.DefaultTCPTimeout, plc.TCP.Timeout)

	_, err = cfg.Device("scope")
	require.ErrorIs(err, errs.ErrConfig)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	require := require.New(t)

	t.Setenv("TERMCOM_GLOBAL_MAX_SESSIONS", "7")
	t.Setenv("TERMCOM_GLOBAL_LOG_LEVEL", "warn")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(err)
	require.Equal(7, cfg.Global.MaxSessions)
	require.Equal("warn", cfg.Global.LogLevel)
}

func TestLoadConfigMissingFile(t *testing.T) {
	require := require.New(t)

	t.Setenv("HOME", t.TempDir())
	t.Setenv("TERMCOM_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(err)
	require.Empty(cfg.Devices)

	g, err := cfg.GlobalConfig()
	require.NoError(err)
	require.Equal(device.DefaultGlobalConfig(), g)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		kind    error
	}{
		{
			name:    "malformed toml",
			content: "[global\nmax_sessions = 1",
			kind:    errs.ErrConfig,
		},
		{
			name:    "bad log level",
			content: "[global]\nlog_level = \"loud\"",
			kind:    errs.ErrConfig,
		},
		{
			name:    "zero sessions",
			content: "[global]\nmax_sessions = 0",
			kind:    errs.ErrConfig,
		},
		{
			name: "no transport",
			content: `
[[devices]]
name = "ghost"
`,
			kind: errs.ErrConfig,
		},
		{
			name: "two transports",
			content: `
[[devices]]
name = "both"
[devices.serial]
port = "/dev/ttyS0"
baud_rate = 9600
[devices.tcp]
host = "localhost"
port = 23
`,
			kind: errs.ErrConfig,
		},
		{
			name: "duplicate device",
			content: `
[[devices]]
name = "twin"
[devices.tcp]
host = "localhost"
port = 23

[[devices]]
name = "twin"
[devices.tcp]
host = "localhost"
port = 24
`,
			kind: errs.ErrConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			require.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestParseHex(t *testing.T) {
	tests := []struct {
		in   string
		want []byte
		ok   bool
	}{
		{in: "41540d", want: []byte("AT\r"), ok: true},
		{in: "41 54 0d", want: []byte("AT\r"), ok: true},
		{in: "0x41,0x54", want: []byte("AT"), ok: true},
		{in: "de:ad:be:ef", want: []byte{0xde, 0xad, 0xbe, 0xef}, ok: true},
		{in: "1 2 ff", want: []byte{0x01, 0x02, 0xff}, ok: true},
		{in: "zz"},
		{in: "   "},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseHex(tt.in)
			if !tt.ok {
				require.ErrorIs(t, err, errs.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestUnescape(t *testing.T) {
	require := require.New(t)

	require.Equal("AT\r\n", unescape(`AT\r\n`))
	require.Equal("a\tb", unescape(`a\tb`))
	require.Equal("\x02go\x03", unescape(`\x02go\x03`))
	require.Equal(`back\slash`, unescape(`back\\slash`))
	require.Equal(`\q`, unescape(`\q`))
	require.Equal(`\xZZ`, unescape(`\xZZ`))
	require.Equal(`tail\`, unescape(`tail\`))
	require.Equal("plain", unescape("plain"))
}

func TestParseVars(t *testing.T) {
	require := require.New(t)

	vars, err := parseVars([]string{"mode=1", "addr=a=b", "empty="})
	require.NoError(err)
	require.Equal(map[string]string{"mode": "1", "addr": "a=b", "empty": ""}, vars)

	_, err = parseVars([]string{"novalue"})
	require.ErrorIs(err, errs.ErrInvalidInput)

	_, err = parseVars([]string{"=1"})
	require.ErrorIs(err, errs.ErrInvalidInput)
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()

	return out.String(), err
}

func TestTransportsCommand(t *testing.T) {
	out, err := runCmd(t, "--config", writeConfig(t, sampleConfig), "transports")
	require.NoError(t, err)
	require.Equal(t, "serial\ntcp\n", out)
}

func TestDevicesCommand(t *testing.T) {
	require := require.New(t)

	out, err := runCmd(t, "--config", writeConfig(t, sampleConfig), "devices")
	require.NoError(err)
	require.Contains(out, "NAME")
	require.Contains(out, "modem")
	require.Contains(out, "/dev/ttyUSB0@115200")
	require.Contains(out, "echo")
	require.Contains(out, "192.168.1.10:502")
}

func TestRunCommandRequiresDevice(t *testing.T) {
	_, err := runCmd(t, "--config", writeConfig(t, sampleConfig), "run", "scope", "echo")
	require.ErrorIs(t, err, errs.ErrConfig)
}

func TestLogLevelFlag(t *testing.T) {
	_, err := runCmd(t, "--config", writeConfig(t, sampleConfig), "--log-level", "verbose", "transports")
	require.ErrorIs(t, err, errs.ErrConfig)
}
