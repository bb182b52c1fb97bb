package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	servicebus "github.com/glimte/servicebus-go"
	"github.com/glimte/servicebus-go/config"
)

// app carries what every command needs: resolved settings, output streams
// and the client factory
type app struct {
	out    io.Writer
	errOut io.Writer

	loadConfig func() (config.Config, error)
	newClient  func(cfg config.Config, options ...servicebus.ClientOption) (*servicebus.Client, error)

	cfg    config.Config
	logger *slog.Logger

	// flag overrides
	url       string
	entity    string
	transport string
	logLevel  string
}

func newApp(out, errOut io.Writer) *app {
	return &app{
		out:        out,
		errOut:     errOut,
		loadConfig: config.Load,
		newClient:  servicebus.NewClientFromConfig,
	}
}

// resolve loads the environment and applies flag overrides
func (a *app) resolve(cmd *cobra.Command) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.ConnectionString = a.url
	}
	if flags.Changed("entity") {
		cfg.EntityPath = a.entity
	}
	if flags.Changed("transport") {
		cfg.Transport = a.transport
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := cfg.Connection(); err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = cfg.Logger(a.errOut)
	return nil
}

func (a *app) client(options ...servicebus.ClientOption) (*servicebus.Client, error) {
	return a.newClient(a.cfg, append([]servicebus.ClientOption{servicebus.WithLogger(a.logger)}, options...)...)
}
