package contracts

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Parameter keys recognised by Parameters.Apply
const (
	ParamContentType      = "contentType"
	ParamMessageID        = "messageId"
	ParamTo               = "to"
	ParamReplyTo          = "replyTo"
	ParamReplyToSessionID = "replyToSessionId"
	ParamLabel            = "label"
	ParamSessionID        = "sessionId"
	ParamCorrelationID    = "correlationId"
	ParamTimeToLive       = "timeToLive"
)

// Parameters is a string keyed set of send parameters. Unknown keys are ignored.
type Parameters map[string]string

// MessageID returns the explicit message id, if any
func (p Parameters) MessageID() (string, bool) {
	id, ok := p[ParamMessageID]
	if !ok || strings.TrimSpace(id) == "" {
		return "", false
	}
	return id, true
}

// TimeToLive parses the timeToLive parameter as a whole number of minutes.
// ok is false when the parameter is absent.
func (p Parameters) TimeToLive() (ttl time.Duration, ok bool, err error) {
	raw, present := p[ParamTimeToLive]
	if !present || strings.TrimSpace(raw) == "" {
		return 0, false, nil
	}
	minutes, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || minutes < 0 {
		return 0, false, &ConfigurationError{
			Field:  ParamTimeToLive,
			Reason: "must be a non-negative number of minutes, got " + strconv.Quote(raw),
		}
	}
	if minutes > MaxTimeToLiveMinutes {
		return 0, false, &ConfigurationError{
			Field:  ParamTimeToLive,
			Reason: "exceeds " + strconv.FormatInt(MaxTimeToLiveMinutes, 10) + " minutes",
		}
	}
	return time.Duration(minutes) * time.Minute, true, nil
}

// MaxTimeToLiveMinutes is the largest time to live, in minutes, that fits a time.Duration
const MaxTimeToLiveMinutes = math.MaxInt64 / int64(time.Minute)

// Apply copies the header parameters onto env. MessageID and TimeToLive are only
// set when present; callers fill in defaults.
func (p Parameters) Apply(env *Envelope) error {
	if env == nil {
		return nil
	}
	env.ContentType = p[ParamContentType]
	env.To = p[ParamTo]
	env.ReplyTo = p[ParamReplyTo]
	env.ReplyToSessionID = p[ParamReplyToSessionID]
	env.Label = p[ParamLabel]
	env.SessionID = p[ParamSessionID]
	env.CorrelationID = p[ParamCorrelationID]

	if id, ok := p.MessageID(); ok {
		env.MessageID = id
	}

	ttl, ok, err := p.TimeToLive()
	if err != nil {
		return err
	}
	if ok {
		env.TimeToLive = ttl
	}
	return nil
}
