package rabbitmq

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/servicebus-go/contracts"
)

// Headers carrying envelope fields AMQP has no property for
const (
	HeaderSequenceNumber        = "x-sequence-number"
	HeaderTo                    = "x-to"
	HeaderSessionID             = "x-session-id"
	HeaderReplyToSessionID      = "x-reply-to-session-id"
	HeaderDeadLetterReason      = "x-dead-letter-reason"
	HeaderDeadLetterDescription = "x-dead-letter-description"
	HeaderDeliveryCount         = "x-delivery-count"
	HeaderDeath                 = "x-death"
)

// ReasonMaxDeliveryCountExceeded is reported for messages the broker
// dead-lettered after hitting the delivery limit
const ReasonMaxDeliveryCountExceeded = "MaxDeliveryCountExceeded"

// ToPublishing converts an outgoing envelope into an AMQP publishing stamped
// with sequenceNumber. User properties travel as string headers.
func ToPublishing(env *contracts.Envelope, sequenceNumber int64, now time.Time) amqp.Publishing {
	headers := make(amqp.Table, len(env.Properties)+4)
	for k, v := range env.Properties {
		headers[k] = v
	}
	headers[HeaderSequenceNumber] = sequenceNumber
	setHeader(headers, HeaderTo, env.To)
	setHeader(headers, HeaderSessionID, env.SessionID)
	setHeader(headers, HeaderReplyToSessionID, env.ReplyToSessionID)

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   env.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		MessageId:     env.MessageID,
		Timestamp:     now,
		Type:          env.Label,
		Body:          env.Body,
	}
	if env.TimeToLive > 0 {
		msg.Expiration = strconv.FormatInt(env.TimeToLive.Milliseconds(), 10)
	}
	return msg
}

// Republish copies a delivery into a publishing, adding extra headers. It is
// used to move a message to its dead-letter or deferred queue.
func Republish(d amqp.Delivery, extra amqp.Table) amqp.Publishing {
	headers := make(amqp.Table, len(d.Headers)+len(extra))
	maps.Copy(headers, d.Headers)
	maps.Copy(headers, extra)
	// the broker restarts the count in the new queue
	delete(headers, HeaderDeliveryCount)

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		Body:            d.Body,
	}
}

// FromDelivery converts a delivery into an envelope. Lock fields are left
// for the caller.
func FromDelivery(d amqp.Delivery) *contracts.Envelope {
	env := contracts.NewEnvelope(d.Body)
	env.MessageID = d.MessageId
	env.ContentType = d.ContentType
	env.CorrelationID = d.CorrelationId
	env.ReplyTo = d.ReplyTo
	env.Label = d.Type
	env.EnqueuedAt = d.Timestamp
	env.To = headerString(d.Headers, HeaderTo)
	env.SessionID = headerString(d.Headers, HeaderSessionID)
	env.ReplyToSessionID = headerString(d.Headers, HeaderReplyToSessionID)
	env.SequenceNumber, _ = headerInt(d.Headers, HeaderSequenceNumber)
	env.DeliveryCount = deliveryCount(d)
	env.DeadLetterReason = headerString(d.Headers, HeaderDeadLetterReason)
	env.DeadLetterDescription = headerString(d.Headers, HeaderDeadLetterDescription)
	if env.DeadLetterReason == "" {
		env.DeadLetterReason = deathReason(d.Headers)
	}

	if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil && ms > 0 {
		env.TimeToLive = time.Duration(ms) * time.Millisecond
	}

	for k, v := range d.Headers {
		if !strings.HasPrefix(k, "x-") {
			env.Properties[k] = fmt.Sprint(v)
		}
	}
	return env
}

// SequenceNumberOf returns the sequence number stamped on a delivery
func SequenceNumberOf(d amqp.Delivery) int64 {
	seq, _ := headerInt(d.Headers, HeaderSequenceNumber)
	return seq
}

// deliveryCount counts this delivery. Quorum queues report earlier failed
// deliveries in a header; classic queues only flag redelivery.
func deliveryCount(d amqp.Delivery) int {
	if n, ok := headerInt(d.Headers, HeaderDeliveryCount); ok {
		return int(n) + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

// deathReason reads the reason of the most recent broker dead-lettering
func deathReason(headers amqp.Table) string {
	deaths, ok := headers[HeaderDeath].([]interface{})
	if !ok || len(deaths) == 0 {
		return ""
	}
	death, ok := deaths[0].(amqp.Table)
	if !ok {
		return ""
	}
	reason, _ := death["reason"].(string)
	if reason == "delivery_limit" {
		return ReasonMaxDeliveryCountExceeded
	}
	return reason
}

func setHeader(headers amqp.Table, key, value string) {
	if value != "" {
		headers[key] = value
	}
}

func headerString(headers amqp.Table, key string) string {
	v, ok := headers[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func headerInt(headers amqp.Table, key string) (int64, bool) {
	switch v := headers[key].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case int:
		return int64(v), true
	case uint8:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
