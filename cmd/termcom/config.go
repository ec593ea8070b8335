package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arloliu/go-termcom/device"
	"github.com/arloliu/go-termcom/errs"
	"github.com/spf13/viper"
)

// Config is the TOML document read by termcom.
type Config struct {
	Global  GlobalConfig   `mapstructure:"global"`
	Devices []DeviceConfig `mapstructure:"devices"`
}

// GlobalConfig holds the process wide settings.
type GlobalConfig struct {
	LogLevel     string        `mapstructure:"log_level"`
	MaxSessions  int           `mapstructure:"max_sessions"`
	Timeout      time.Duration `mapstructure:"timeout"`
	HistoryLimit int           `mapstructure:"history_limit"`
}

// DeviceConfig is one [[devices]] table. Exactly one of serial and tcp must be present.
type DeviceConfig struct {
	Name        string          `mapstructure:"name"`
	Description string          `mapstructure:"description"`
	Serial      *SerialConfig   `mapstructure:"serial"`
	TCP         *TCPConfig      `mapstructure:"tcp"`
	Commands    []CommandConfig `mapstructure:"commands"`
}

// SerialConfig is the [devices.serial] table.
type SerialConfig struct {
	Port        string `mapstructure:"port"`
	BaudRate    int    `mapstructure:"baud_rate"`
	DataBits    int    `mapstructure:"data_bits"`
	StopBits    int    `mapstructure:"stop_bits"`
	Parity      string `mapstructure:"parity"`
	FlowControl string `mapstructure:"flow_control"`
}

// TCPConfig is the [devices.tcp] table.
type TCPConfig struct {
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Timeout   time.Duration `mapstructure:"timeout"`
	KeepAlive bool          `mapstructure:"keep_alive"`
	Server    bool          `mapstructure:"server"`
}

// CommandConfig is one [[devices.commands]] table.
type CommandConfig struct {
	Name            string        `mapstructure:"name"`
	Description     string        `mapstructure:"description"`
	Template        string        `mapstructure:"template"`
	ResponsePattern string        `mapstructure:"response_pattern"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns a config with the default global settings and no devices.
func DefaultConfig() *Config {
	g := device.DefaultGlobalConfig()

	return &Config{
		Global: GlobalConfig{
			LogLevel:     g.LogLevel,
			MaxSessions:  g.MaxSessions,
			Timeout:      g.Timeout,
			HistoryLimit: g.HistoryLimit,
		},
	}
}

// LoadConfig reads the config file at path. An empty path searches termcom.toml in the working
// directory and in ~/.config/termcom; a missing file leaves the defaults.
//
// Environment variables with the TERMCOM prefix override global settings,
// e.g. TERMCOM_GLOBAL_MAX_SESSIONS=4.
func LoadConfig(path string) (*Config, error) {
	const op = "termcom.config.load"

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("TERMCOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("global.log_level", cfg.Global.LogLevel)
	v.SetDefault("global.max_sessions", cfg.Global.MaxSessions)
	v.SetDefault("global.timeout", cfg.Global.Timeout)
	v.SetDefault("global.history_limit", cfg.Global.HistoryLimit)

	if path == "" {
		path = os.Getenv("TERMCOM_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("termcom")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "termcom"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errs.Wrap(errs.KindConfig, op, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfig, op, err)
	}

	if _, err := cfg.GlobalConfig(); err != nil {
		return nil, err
	}
	if _, err := cfg.DeviceConfigs(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// GlobalConfig converts and validates the global settings.
func (c *Config) GlobalConfig() (device.GlobalConfig, error) {
	g := device.GlobalConfig{
		LogLevel:     strings.ToLower(strings.TrimSpace(c.Global.LogLevel)),
		MaxSessions:  c.Global.MaxSessions,
		Timeout:      c.Global.Timeout,
		HistoryLimit: c.Global.HistoryLimit,
	}
	if err := g.Validate(); err != nil {
		return device.GlobalConfig{}, &errs.Error{Kind: errs.KindConfig, Op: "termcom.config.global", Err: err}
	}

	return g, nil
}

// DeviceConfigs converts and validates the device tables. Device names must be unique.
func (c *Config) DeviceConfigs() ([]*device.Config, error) {
	const op = "termcom.config.devices"

	out := make([]*device.Config, 0, len(c.Devices))
	seen := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		dev := d.toDevice()
		if err := dev.Validate(); err != nil {
			return nil, &errs.Error{Kind: errs.KindConfig, Op: fmt.Sprintf("%s[%d]", op, i), Err: err}
		}
		if _, ok := seen[dev.Name]; ok {
			return nil, errs.New(errs.KindConfig, op, "duplicate device %q", dev.Name)
		}
		seen[dev.Name] = struct{}{}
		out = append(out, dev)
	}

	return out, nil
}

// Device returns the named device.
func (c *Config) Device(name string) (*device.Config, error) {
	devs, err := c.DeviceConfigs()
	if err != nil {
		return nil, err
	}
	for _, dev := range devs {
		if dev.Name == name {
			return dev, nil
		}
	}

	return nil, errs.New(errs.KindConfig, "termcom.config.device", "device %q is not configured", name)
}

func (d DeviceConfig) toDevice() *device.Config {
	dev := &device.Config{
		Name:        d.Name,
		Description: d.Description,
	}

	if d.Serial != nil {
		dev.Serial = &device.SerialConfig{
			Port:        d.Serial.Port,
			BaudRate:    d.Serial.BaudRate,
			DataBits:    d.Serial.DataBits,
			StopBits:    d.Serial.StopBits,
			Parity:      device.Parity(strings.ToLower(d.Serial.Parity)),
			FlowControl: device.FlowControl(strings.ToLower(d.Serial.FlowControl)),
		}
		if dev.Serial.DataBits == 0 {
			dev.Serial.DataBits = device.DefaultDataBits
		}
		if dev.Serial.StopBits == 0 {
			dev.Serial.StopBits = device.DefaultStopBits
		}
		if dev.Serial.Parity == "" {
			dev.Serial.Parity = device.ParityNone
		}
		if dev.Serial.FlowControl == "" {
			dev.Serial.FlowControl = device.FlowControlNone
		}
	}

	if d.TCP != nil {
		dev.TCP = &device.TCPConfig{
			Host:      d.TCP.Host,
			Port:      d.TCP.Port,
			Timeout:   d.TCP.Timeout,
			KeepAlive: d.TCP.KeepAlive,
			Server:    d.TCP.Server,
		}
		if dev.TCP.Timeout == 0 {
			dev.TCP.Timeout = device.DefaultTCPTimeout
		}
	}

	for _, c := range d.Commands {
		dev.Commands = append(dev.Commands, device.CommandTemplate{
			Name:            c.Name,
			Description:     c.Description,
			Template:        c.Template,
			ResponsePattern: c.ResponsePattern,
			Timeout:         c.Timeout,
		})
	}

	return dev
}
