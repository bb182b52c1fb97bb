package messaging

import (
	"time"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordSend records a send or batch send of count messages
	RecordSend(entity string, count int, duration time.Duration, err error)

	// RecordReceive records a receive operation that yielded count messages
	RecordReceive(entity string, count int, duration time.Duration, err error)

	// RecordSettlement records a settlement or lock renewal
	RecordSettlement(entity string, op string, err error)

	// RecordDuplicate records a duplicate message guard trip
	RecordDuplicate(entity string)

	// RecordDispatch records one handler invocation by a listener service
	RecordDispatch(service, entity string, decision string, duration time.Duration, err error)

	// SetActiveServices reports the number of services with a running receive loop
	SetActiveServices(count int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordSend does nothing
func (n *NoOpMetricsCollector) RecordSend(entity string, count int, duration time.Duration, err error) {
}

// RecordReceive does nothing
func (n *NoOpMetricsCollector) RecordReceive(entity string, count int, duration time.Duration, err error) {
}

// RecordSettlement does nothing
func (n *NoOpMetricsCollector) RecordSettlement(entity string, op string, err error) {}

// RecordDuplicate does nothing
func (n *NoOpMetricsCollector) RecordDuplicate(entity string) {}

// RecordDispatch does nothing
func (n *NoOpMetricsCollector) RecordDispatch(service, entity string, decision string, duration time.Duration, err error) {
}

// SetActiveServices does nothing
func (n *NoOpMetricsCollector) SetActiveServices(count int) {}
