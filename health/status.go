package health

import (
	"regexp"
	"time"
)

const (
	stateHealthy   = "healthy"
	stateDegraded  = "degraded"
	stateUnhealthy = "unhealthy"
)

// Patterns stripped from error text before it is exposed on the health endpoint
var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|tls|wss?)://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a bot subsystem or of the bot as a whole
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related counters
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	ActivePeers       int           `json:"active_peers"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == stateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == stateDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == stateUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(subStatus Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, subStatus)
	return s
}

// FromError builds a status for a subsystem from its last error. A nil error
// is healthy; a transient failure is reported as degraded so the bot keeps
// serving while it reconnects.
func FromError(component string, err error, degraded bool) Status {
	switch {
	case err == nil:
		return NewHealthy(component, "ok")
	case degraded:
		return NewDegraded(component, sanitizeErrorMessage(err.Error()))
	default:
		return NewUnhealthy(component, sanitizeErrorMessage(err.Error()))
	}
}

// sanitizeErrorMessage removes addresses, paths and credentials from error text.
func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = unixPathRegex.ReplaceAllString(msg, "[PATH]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	msg = portRegex.ReplaceAllString(msg, "[PORT]")
	msg = credentialRegex.ReplaceAllString(msg, "[REDACTED]")
	return msg
}
