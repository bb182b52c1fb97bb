package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/interceptors"
)

// ListenerState is the lifecycle state of a Listener
type ListenerState int

const (
	// ListenerIdle has no services registered and has not been started
	ListenerIdle ListenerState = iota
	// ListenerAttached has services registered but is not started
	ListenerAttached
	// ListenerStarted runs a receive loop for every registered service
	ListenerStarted
	// ListenerStopped is terminal
	ListenerStopped
)

// String returns the state name
func (s ListenerState) String() string {
	switch s {
	case ListenerIdle:
		return "idle"
	case ListenerAttached:
		return "attached"
	case ListenerStarted:
		return "started"
	case ListenerStopped:
		return "stopped"
	default:
		return fmt.Sprintf("ListenerState(%d)", int(s))
	}
}

// Service binds a handler to one entity
type Service struct {
	Name    string
	Config  ConnectionConfig
	Handler Handler

	// ServerWaitTime bounds each receive; 0 uses the transport default
	ServerWaitTime time.Duration

	// PrefetchCount configures read-ahead; 0 disables it
	PrefetchCount int
}

func (s Service) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return &contracts.ConfigurationError{Field: "service.name", Reason: "is required"}
	}
	if s.Handler == nil {
		return &contracts.ConfigurationError{Field: "service.handler", Reason: "is required"}
	}
	if s.ServerWaitTime < 0 {
		return &contracts.ConfigurationError{Field: "service.serverWaitTime", Reason: "must not be negative"}
	}
	if s.PrefetchCount < 0 {
		return &contracts.ConfigurationError{Field: "service.prefetchCount", Reason: "must not be negative"}
	}
	return s.Config.Validate()
}

type serviceEntry struct {
	service  Service
	receiver *Receiver
	handler  Handler
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	degraded bool

	// detaching is set while Detach owns the entry's connection
	detaching bool
}

// stopLoop cancels the receive loop and returns a channel closed when it
// has exited. Caller must hold the listener mutex.
func (e *serviceEntry) stopLoop() <-chan struct{} {
	if !e.running {
		done := make(chan struct{})
		close(done)
		return done
	}
	e.cancel()
	e.running = false
	return e.done
}

// Listener dispatches messages from registered services to their handlers.
// Each service gets its own receiver connection and receive loop.
type Listener struct {
	transport Transport
	chain     *interceptors.InterceptorChain
	logger    *slog.Logger
	metrics   MetricsCollector
	tracer    trace.Tracer

	// errorBackoff is the pause after a failed receive when the service
	// uses the transport default wait
	errorBackoff time.Duration

	mu       sync.Mutex
	services map[string]*serviceEntry
	state    ListenerState
	root     context.Context
	cancel   context.CancelFunc
}

// ListenerOption configures a Listener
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithListenerMetrics sets the metrics collector
func WithListenerMetrics(metrics MetricsCollector) ListenerOption {
	return func(l *Listener) {
		if metrics != nil {
			l.metrics = metrics
		}
	}
}

// WithListenerTracer sets the tracer
func WithListenerTracer(tracer trace.Tracer) ListenerOption {
	return func(l *Listener) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// WithInterceptors wraps every service handler with chain
func WithInterceptors(chain *interceptors.InterceptorChain) ListenerOption {
	return func(l *Listener) {
		l.chain = chain
	}
}

// WithErrorBackoff sets the pause after a failed receive for services
// without an explicit server wait time
func WithErrorBackoff(backoff time.Duration) ListenerOption {
	return func(l *Listener) {
		if backoff > 0 {
			l.errorBackoff = backoff
		}
	}
}

// NewListener creates an idle listener
func NewListener(transport Transport, options ...ListenerOption) *Listener {
	root, cancel := context.WithCancel(context.Background())
	l := &Listener{
		transport:    transport,
		logger:       slog.Default(),
		metrics:      &NoOpMetricsCollector{},
		tracer:       defaultTracer(),
		errorBackoff: time.Second,
		services:     make(map[string]*serviceEntry),
		state:        ListenerIdle,
		root:         root,
		cancel:       cancel,
	}

	for _, opt := range options {
		opt(l)
	}

	return l
}

// State returns the lifecycle state
func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Services returns the registered service names in sorted order
func (l *Listener) Services() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.services))
	for name := range l.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Degraded returns the services whose receiver failed to close on detach
func (l *Listener) Degraded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var names []string
	for name, entry := range l.services {
		if entry.degraded {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RegisterService opens a receiver for svc and attaches it. Registering a
// name that is already present is a no-op. If the listener is started the
// service starts receiving immediately.
func (l *Listener) RegisterService(ctx context.Context, svc Service) error {
	if err := svc.validate(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.state == ListenerStopped {
		l.mu.Unlock()
		return contracts.ErrListenerStopped
	}
	if _, exists := l.services[svc.Name]; exists {
		l.mu.Unlock()
		l.logger.Debug("service already registered", "service", svc.Name)
		return nil
	}
	l.mu.Unlock()

	conn, err := OpenReceiver(ctx, l.transport, svc.Config,
		WithPrefetchCount(svc.PrefetchCount),
		WithConnectionLogger(l.logger),
	)
	if err != nil {
		return err
	}

	entry := &serviceEntry{
		service: svc,
		receiver: NewReceiver(conn,
			WithAutoSettle(false),
			WithReceiverLogger(l.logger),
			WithReceiverMetrics(l.metrics),
			WithReceiverTracer(l.tracer),
		),
		handler: svc.Handler,
	}
	if l.chain.Len() > 0 {
		entry.handler = l.chain.Wrap(svc.Handler)
	}

	l.mu.Lock()
	if l.state == ListenerStopped {
		l.mu.Unlock()
		_ = conn.Close(ctx)
		return contracts.ErrListenerStopped
	}
	if _, exists := l.services[svc.Name]; exists {
		// lost a race with a concurrent registration of the same name
		l.mu.Unlock()
		_ = conn.Close(ctx)
		return nil
	}
	l.services[svc.Name] = entry
	if l.state == ListenerIdle {
		l.state = ListenerAttached
	}
	if l.state == ListenerStarted {
		l.launch(entry)
	}
	l.reportActiveLocked()
	l.mu.Unlock()

	l.logger.Info("service registered",
		"service", svc.Name,
		"entity", svc.Config.EntityPath,
	)
	return nil
}

// Start launches a receive loop for every attached service that is not
// already running
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == ListenerStopped {
		return contracts.ErrListenerStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.state = ListenerStarted
	for _, entry := range l.services {
		if !entry.running && !entry.degraded && !entry.detaching {
			l.launch(entry)
		}
	}
	l.reportActiveLocked()

	l.logger.Info("listener started", "services", len(l.services))
	return nil
}

// Detach stops the named service, waits for its in-flight handler, closes
// its receiver and removes it. When the close fails the service stays
// registered in a degraded state so Detach can be retried. A Detach racing
// another Detach of the same service fails with ErrDetachInProgress.
func (l *Listener) Detach(ctx context.Context, name string) error {
	l.mu.Lock()
	entry, ok := l.services[name]
	if !ok {
		l.mu.Unlock()
		return &contracts.DetachError{Service: name, Err: contracts.ErrServiceNotRegistered}
	}
	if entry.detaching {
		l.mu.Unlock()
		return &contracts.DetachError{Service: name, Err: contracts.ErrDetachInProgress}
	}
	entry.detaching = true
	done := entry.stopLoop()
	l.reportActiveLocked()
	l.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		l.mu.Lock()
		entry.detaching = false
		l.mu.Unlock()
		return &contracts.DetachError{Service: name, Err: ctx.Err()}
	}

	if err := l.closeEntry(ctx, entry); err != nil {
		l.mu.Lock()
		entry.degraded = true
		entry.detaching = false
		l.mu.Unlock()

		l.logger.Error("failed to detach service",
			"service", name,
			"entity", entry.service.Config.EntityPath,
			"error", err,
		)
		return &contracts.DetachError{Service: name, Err: err}
	}

	l.mu.Lock()
	if l.services[name] == entry {
		delete(l.services, name)
	}
	l.reportActiveLocked()
	l.mu.Unlock()

	l.logger.Info("service unsubscribed from entity",
		"service", name,
		"entity", entry.service.Config.EntityPath,
	)
	return nil
}

// Stop gracefully shuts the listener down: loops stop receiving, in-flight
// handlers finish (bounded by ctx) and every receiver is closed. Stop is
// terminal.
func (l *Listener) Stop(ctx context.Context) error {
	return l.shutdown(ctx, "listener stopped")
}

// Abort shuts the listener down. It currently behaves exactly like Stop.
func (l *Listener) Abort(ctx context.Context) error {
	return l.shutdown(ctx, "listener aborted")
}

func (l *Listener) shutdown(ctx context.Context, event string) error {
	l.mu.Lock()
	if l.state == ListenerStopped {
		l.mu.Unlock()
		return nil
	}
	l.state = ListenerStopped

	entries := make([]*serviceEntry, 0, len(l.services))
	waits := make([]<-chan struct{}, 0, len(l.services))
	for _, entry := range l.services {
		waits = append(waits, entry.stopLoop())
		if entry.detaching {
			// Detach closes its own connection
			continue
		}
		entries = append(entries, entry)
	}
	l.services = make(map[string]*serviceEntry)
	l.reportActiveLocked()
	l.mu.Unlock()

	l.cancel()

	var waitErr error
	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			waitErr = fmt.Errorf("waiting for in-flight handlers: %w", ctx.Err())
		}
		if waitErr != nil {
			break
		}
	}

	var (
		errsMu sync.Mutex
		errs   []error
	)
	var g errgroup.Group
	g.SetLimit(8)
	for _, entry := range entries {
		g.Go(func() error {
			if err := l.closeEntry(ctx, entry); err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
				l.logger.Error("failed to close service receiver",
					"service", entry.service.Name,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	l.logger.Info(event, "services", len(entries))
	return errors.Join(append([]error{waitErr}, errs...)...)
}

// closeEntry closes the receiver of entry. Only a degraded entry, whose
// earlier close failed, retries the transport close. The caller must own
// the entry (detaching flag or removed from the registry).
func (l *Listener) closeEntry(ctx context.Context, entry *serviceEntry) error {
	conn := entry.receiver.Connection()
	if entry.degraded && conn.IsClosed() {
		return conn.closeLink(ctx)
	}
	return conn.Close(ctx)
}

// launch starts the receive loop of entry. Caller must hold l.mu.
func (l *Listener) launch(entry *serviceEntry) {
	loopCtx, cancel := context.WithCancel(l.root)
	entry.cancel = cancel
	entry.done = make(chan struct{})
	entry.running = true

	go l.run(loopCtx, entry)

	l.logger.Debug("service receive loop started",
		"service", entry.service.Name,
		"entity", entry.service.Config.EntityPath,
	)
}

func (l *Listener) reportActiveLocked() {
	active := 0
	for _, entry := range l.services {
		if entry.running {
			active++
		}
	}
	l.metrics.SetActiveServices(active)
}

func (l *Listener) run(ctx context.Context, entry *serviceEntry) {
	defer close(entry.done)

	wait := entry.service.ServerWaitTime
	backoff := wait
	if backoff <= 0 {
		backoff = l.errorBackoff
	}

	for {
		if ctx.Err() != nil {
			return
		}

		env, err := entry.receiver.receive(ctx, wait)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, contracts.ErrConnectionClosed) {
				return
			}
			l.logger.Warn("receive failed",
				"service", entry.service.Name,
				"entity", entry.service.Config.EntityPath,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		if env == nil {
			continue
		}

		l.dispatch(ctx, entry, env)
	}
}

// dispatch runs the handler for one message and applies its decision. The
// handler and settlement run on a context that survives loop cancellation so
// an in-flight message is always settled.
func (l *Listener) dispatch(ctx context.Context, entry *serviceEntry, env *contracts.Envelope) {
	hctx := ContextWithSettler(context.WithoutCancel(ctx), entry.receiver)
	entity := entry.service.Config.EntityPath

	start := time.Now()
	decision, err := invoke(hctx, entry.handler, env)
	duration := time.Since(start)

	outcome := decision.Disposition.String()
	if err != nil {
		l.logger.Error("handler failed",
			"service", entry.service.Name,
			"entity", entity,
			"messageId", env.MessageID,
			"error", err,
		)
		decision = contracts.Abandon()
		outcome = "error"
	}
	l.metrics.RecordDispatch(entry.service.Name, entity, outcome, duration, err)

	if decision.Disposition == contracts.DispositionManual {
		return
	}
	if err := entry.receiver.Settle(hctx, env, decision); err != nil {
		l.logger.Warn("failed to settle message",
			"service", entry.service.Name,
			"entity", entity,
			"messageId", env.MessageID,
			"decision", decision.String(),
			"error", err,
		)
	}
}

func invoke(ctx context.Context, handler Handler, env *contracts.Envelope) (decision contracts.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, env)
}
