package device

import (
	"testing"
	"time"

	"github.com/arloliu/go-termcom/errs"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{name: "serial", cfg: NewSerial("dev", "/dev/ttyUSB0", 9600)},
		{name: "tcp", cfg: NewTCP("dev", "127.0.0.1", 5000)},
		{name: "nil", cfg: nil, wantErr: true},
		{name: "no name", cfg: NewTCP("", "127.0.0.1", 5000), wantErr: true},
		{name: "zero port", cfg: NewTCP("dev", "127.0.0.1", 0), wantErr: true},
		{name: "port too large", cfg: NewTCP("dev", "127.0.0.1", 70000), wantErr: true},
		{name: "no host", cfg: NewTCP("dev", "", 5000), wantErr: true},
		{name: "no link", cfg: &Config{Name: "dev"}, wantErr: true},
		{name: "zero baud", cfg: NewSerial("dev", "/dev/ttyUSB0", 0), wantErr: true},
		{name: "empty serial port", cfg: NewSerial("dev", "", 9600), wantErr: true},
		{
			name: "both links",
			cfg: &Config{
				Name:   "dev",
				Serial: NewSerial("dev", "/dev/ttyUSB0", 9600).Serial,
				TCP:    NewTCP("dev", "127.0.0.1", 5000).TCP,
			},
			wantErr: true,
		},
		{
			name: "server without host",
			cfg:  &Config{Name: "dev", TCP: &TCPConfig{Port: 5000, Server: true}},
		},
		{
			name: "bad parity",
			cfg: func() *Config {
				c := NewSerial("dev", "/dev/ttyUSB0", 9600)
				c.Serial.Parity = "mark"
				return c
			}(),
			wantErr: true,
		},
		{
			name: "duplicate command",
			cfg: func() *Config {
				c := NewTCP("dev", "127.0.0.1", 5000)
				c.Commands = []CommandTemplate{
					{Name: "ping", Template: "PING"},
					{Name: "ping", Template: "PING2"},
				}
				return c
			}(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, errs.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestConfigKindAndClone(t *testing.T) {
	require := require.New(t)

	cfg := NewSerial("dev", "/dev/ttyUSB0", 115200)
	cfg.Commands = []CommandTemplate{{Name: "at", Template: "AT\r\n"}}
	require.Equal(KindSerial, cfg.Kind())
	require.Equal(KindTCP, NewTCP("dev", "localhost", 1).Kind())
	require.Equal(Kind(""), (&Config{}).Kind())

	cp := cfg.Clone()
	cp.Serial.BaudRate = 9600
	cp.Commands[0].Template = "ATZ"
	require.Equal(115200, cfg.Serial.BaudRate)
	require.Equal("AT\r\n", cfg.Commands[0].Template)

	cmd, ok := cfg.Command("at")
	require.True(ok)
	require.Equal("AT\r\n", cmd.Template)
	_, ok = cfg.Command("missing")
	require.False(ok)
}

func TestCommandTemplate(t *testing.T) {
	require := require.New(t)

	cmd := CommandTemplate{
		Name:            "set",
		Template:        "SET {{reg}}={{value}}\r\n",
		ResponsePattern: `^OK`,
	}
	require.NoError(cmd.Validate())
	require.Equal("SET 10=1\r\n", cmd.Render(map[string]string{"reg": "10", "value": "1"}))
	require.Equal("SET {{reg}}={{value}}\r\n", cmd.Render(nil))
	require.Equal(DefaultCommandTimeout, cmd.EffectiveTimeout())

	re, err := cmd.Response()
	require.NoError(err)
	require.True(re.MatchString("OK\r\n"))

	bad := CommandTemplate{Name: "bad", Template: "X", ResponsePattern: "("}
	require.ErrorIs(bad.Validate(), errs.ErrInvalidInput)

	cmd.Timeout = 2 * time.Second
	require.Equal(2*time.Second, cmd.EffectiveTimeout())
}

func TestGlobalConfig(t *testing.T) {
	require := require.New(t)

	g := DefaultGlobalConfig()
	require.NoError(g.Validate())
	require.Equal(10, g.MaxSessions)
	require.Equal(5*time.Second, g.Timeout)
	require.Equal(1000, g.HistoryLimit)

	g.MaxSessions = 0
	require.ErrorIs(g.Validate(), errs.ErrInvalidInput)

	g = DefaultGlobalConfig()
	g.LogLevel = "trace"
	require.ErrorIs(g.Validate(), errs.ErrInvalidInput)
}
