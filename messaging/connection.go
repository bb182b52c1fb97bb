package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/glimte/servicebus-go/contracts"
)

// ConnectionConfig identifies one entity on one broker namespace
type ConnectionConfig struct {
	ConnectionString string
	EntityPath       string
}

// Validate checks that both connection string and entity path are present
func (c ConnectionConfig) Validate() error {
	if strings.TrimSpace(c.ConnectionString) == "" {
		return &contracts.ConfigurationError{Field: "connectionString", Reason: "is required"}
	}
	if strings.TrimSpace(c.EntityPath) == "" {
		return &contracts.ConfigurationError{Field: "entityPath", Reason: "is required"}
	}
	if strings.HasPrefix(c.EntityPath, "/") || strings.HasSuffix(c.EntityPath, "/") {
		return &contracts.ConfigurationError{Field: "entityPath", Reason: "must not start or end with '/'"}
	}
	return nil
}

// ConnectionOption configures a connection
type ConnectionOption func(*connectionOptions)

type connectionOptions struct {
	prefetchCount int
	logger        *slog.Logger
}

// WithPrefetchCount sets the initial prefetch count of a receiver
// connection; 0 disables prefetch. Sender connections ignore it.
func WithPrefetchCount(count int) ConnectionOption {
	return func(o *connectionOptions) {
		o.prefetchCount = count
	}
}

// WithConnectionLogger sets the logger
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(o *connectionOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// SenderConnection owns one sending channel to one entity.
// Once closed it is terminal.
type SenderConnection struct {
	config ConnectionConfig
	link   SenderLink
	closed atomic.Bool
	logger *slog.Logger
}

// OpenSender validates cfg and opens a sending channel through transport.
// No retry is attempted on failure.
func OpenSender(ctx context.Context, transport Transport, cfg ConnectionConfig, options ...ConnectionOption) (*SenderConnection, error) {
	opts := connectionOptions{logger: slog.Default()}
	for _, opt := range options {
		opt(&opts)
	}

	if transport == nil {
		return nil, &contracts.ConfigurationError{Field: "transport", Reason: "is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	link, err := transport.OpenSender(ctx, cfg.ConnectionString, cfg.EntityPath)
	if err != nil {
		return nil, &contracts.ConnectionError{Op: "open", Entity: cfg.EntityPath, Err: err}
	}

	opts.logger.Debug("sender connection opened", "entity", cfg.EntityPath)
	return &SenderConnection{config: cfg, link: link, logger: opts.logger}, nil
}

// EntityPath returns the entity this connection sends to
func (c *SenderConnection) EntityPath() string {
	return c.config.EntityPath
}

// IsClosed reports whether Close has been called
func (c *SenderConnection) IsClosed() bool {
	return c.closed.Load()
}

// Close releases the channel. Closing twice returns an error.
func (c *SenderConnection) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return &contracts.ConnectionError{Op: "close", Entity: c.config.EntityPath, Err: contracts.ErrConnectionClosed}
	}
	if err := c.link.Close(ctx); err != nil {
		return &contracts.ConnectionError{Op: "close", Entity: c.config.EntityPath, Err: err}
	}
	c.logger.Debug("sender connection closed", "entity", c.config.EntityPath)
	return nil
}

// ReceiverConnection owns one PeekLock receiving channel on one entity.
// Once closed it is terminal.
type ReceiverConnection struct {
	config   ConnectionConfig
	link     ReceiverLink
	mode     contracts.ReceiveMode
	prefetch atomic.Int64
	closed   atomic.Bool
	logger   *slog.Logger
}

// OpenReceiver validates cfg and opens a PeekLock receiving channel through transport.
// No retry is attempted on failure.
func OpenReceiver(ctx context.Context, transport Transport, cfg ConnectionConfig, options ...ConnectionOption) (*ReceiverConnection, error) {
	opts := connectionOptions{logger: slog.Default()}
	for _, opt := range options {
		opt(&opts)
	}

	if transport == nil {
		return nil, &contracts.ConfigurationError{Field: "transport", Reason: "is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.prefetchCount < 0 {
		return nil, &contracts.ConfigurationError{Field: "prefetchCount", Reason: "must not be negative"}
	}

	link, err := transport.OpenReceiver(ctx, cfg.ConnectionString, cfg.EntityPath, ReceiverLinkOptions{
		Mode:          contracts.PeekLock,
		PrefetchCount: opts.prefetchCount,
	})
	if err != nil {
		return nil, &contracts.ConnectionError{Op: "open", Entity: cfg.EntityPath, Err: err}
	}

	c := &ReceiverConnection{
		config: cfg,
		link:   link,
		mode:   contracts.PeekLock,
		logger: opts.logger,
	}
	c.prefetch.Store(int64(opts.prefetchCount))

	opts.logger.Debug("receiver connection opened",
		"entity", cfg.EntityPath,
		"mode", c.mode.String(),
		"prefetchCount", opts.prefetchCount,
	)
	return c, nil
}

// EntityPath returns the entity this connection receives from
func (c *ReceiverConnection) EntityPath() string {
	return c.config.EntityPath
}

// Mode returns the receive mode
func (c *ReceiverConnection) Mode() contracts.ReceiveMode {
	return c.mode
}

// PrefetchCount returns the configured prefetch count
func (c *ReceiverConnection) PrefetchCount() int {
	return int(c.prefetch.Load())
}

// IsClosed reports whether Close has been called
func (c *ReceiverConnection) IsClosed() bool {
	return c.closed.Load()
}

func (c *ReceiverConnection) setPrefetchCount(count int) error {
	if count < 0 {
		return &contracts.ConfigurationError{Field: "prefetchCount", Reason: "must not be negative"}
	}
	if c.IsClosed() {
		return &contracts.ConnectionError{Op: "prefetch", Entity: c.config.EntityPath, Err: contracts.ErrConnectionClosed}
	}
	if err := c.link.SetPrefetchCount(count); err != nil {
		return &contracts.ConnectionError{Op: "prefetch", Entity: c.config.EntityPath, Err: err}
	}
	c.prefetch.Store(int64(count))
	return nil
}

// Close releases the channel and unblocks pending receives. Closing twice
// returns an error.
func (c *ReceiverConnection) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return &contracts.ConnectionError{Op: "close", Entity: c.config.EntityPath, Err: contracts.ErrConnectionClosed}
	}
	return c.closeLink(ctx)
}

// closeLink releases the transport channel. It is retried by listeners whose
// first close failed.
func (c *ReceiverConnection) closeLink(ctx context.Context) error {
	if err := c.link.Close(ctx); err != nil {
		return &contracts.ConnectionError{Op: "close", Entity: c.config.EntityPath, Err: err}
	}
	c.logger.Debug("receiver connection closed", "entity", c.config.EntityPath)
	return nil
}
