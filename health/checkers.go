package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/servicebus-go/messaging"
)

// Pinger is a transport that can probe its broker
type Pinger interface {
	Ping(ctx context.Context, connectionString string) error
}

// TransportChecker checks that the broker behind a connection string is
// reachable
type TransportChecker struct {
	transport        Pinger
	connectionString string
}

// NewTransportChecker creates a new broker reachability checker
func NewTransportChecker(transport Pinger, connectionString string) *TransportChecker {
	return &TransportChecker{
		transport:        transport,
		connectionString: connectionString,
	}
}

func (c *TransportChecker) Name() string {
	return "transport"
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if err := c.transport.Ping(ctx, c.connectionString); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Broker unreachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Broker is reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ListenerChecker reports the lifecycle of a listener. A stopped listener
// is unhealthy; services stuck after a failed detach make it degraded.
type ListenerChecker struct {
	listener *messaging.Listener
}

// NewListenerChecker creates a new listener checker
func NewListenerChecker(listener *messaging.Listener) *ListenerChecker {
	return &ListenerChecker{listener: listener}
}

func (c *ListenerChecker) Name() string {
	return "listener"
}

func (c *ListenerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.listener.State()
	services := c.listener.Services()
	degraded := c.listener.Degraded()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":    state.String(),
			"services": services,
		},
	}

	switch {
	case state == messaging.ListenerStopped:
		result.Status = StatusUnhealthy
		result.Message = "Listener is stopped"
	case len(degraded) > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d service(s) failed to detach", len(degraded))
		result.Details["degraded"] = degraded
	case state != messaging.ListenerStarted:
		result.Status = StatusDegraded
		result.Message = "Listener is not started"
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Listening with %d service(s)", len(services))
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
