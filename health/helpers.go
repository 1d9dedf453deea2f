package health

import "time"

// severity orders states from best to worst
var severity = map[string]int{
	stateHealthy:   0,
	stateDegraded:  1,
	stateUnhealthy: 2,
}

var aggregateMessages = map[string]string{
	stateHealthy:   "all subsystems are healthy",
	stateDegraded:  "one or more subsystems are degraded",
	stateUnhealthy: "one or more subsystems are unhealthy",
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == stateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, stateHealthy, message)
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, stateUnhealthy, message)
}

// NewDegraded creates a degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, stateDegraded, message)
}

// Aggregate reports the worst state among subs under component. Statuses
// with an unknown state count as unhealthy.
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return NewHealthy(component, "no subsystems reported")
	}

	worst := stateHealthy
	for _, sub := range subs {
		rank, ok := severity[sub.Status]
		if !ok {
			rank = severity[stateUnhealthy]
		}
		if rank > severity[worst] {
			worst = sub.Status
			if !ok {
				worst = stateUnhealthy
			}
		}
	}

	status := newStatus(component, worst, aggregateMessages[worst])
	status.SubStatuses = append([]Status(nil), subs...)
	return status
}
