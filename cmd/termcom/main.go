// Command termcom talks to serial and TCP devices from the terminal.
//
//	termcom devices
//	termcom send modem --text 'AT\r\n' --wait 1s
//	termcom monitor modem plc
//	termcom run modem signal
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arloliu/go-termcom/comm"
	"github.com/arloliu/go-termcom/logger"
	"github.com/arloliu/go-termcom/manager"
	"github.com/spf13/cobra"
)

type app struct {
	configPath string
	logLevel   string

	cfg *Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1) //nolint:gocritic
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "termcom",
		Short:         "Talk to serial and TCP devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default: ./termcom.toml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newTransportsCmd(a),
		newPortsCmd(),
		newDevicesCmd(a),
		newSendCmd(a),
		newMonitorCmd(a),
		newRunCmd(a),
	)

	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Global.LogLevel = a.logLevel
	}
	a.cfg = cfg

	g, err := cfg.GlobalConfig()
	if err != nil {
		return err
	}
	level, err := logger.ParseLevel(g.LogLevel)
	if err != nil {
		return err
	}
	// logs go to stderr so device output on stdout stays clean
	logger.SetLogger(logger.NewSlogWithWriter(cmd.ErrOrStderr(), level, false))

	return nil
}

// newManager starts an engine configured from the global settings.
// The caller stops the engine when done.
func (a *app) newManager() (*manager.Manager, error) {
	g, err := a.cfg.GlobalConfig()
	if err != nil {
		return nil, err
	}

	l := logger.GetLogger()
	engine := comm.NewEngine(
		comm.WithLogger(l),
		comm.WithHistoryLimit(g.HistoryLimit),
		comm.WithDefaultTimeout(g.Timeout),
	)
	engine.Start()

	return manager.New(engine, manager.WithGlobalConfig(g), manager.WithLogger(l)), nil
}
