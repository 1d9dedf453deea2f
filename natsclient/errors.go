package natsclient

import (
	"context"
	stderrors "errors"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ximik/rumpy/errors"
)

// JetStream API error codes signalling saturated server resources.
const (
	codeInsufficientResources    = 10023
	codeMemoryResourcesExceeded  = 10028
	codeStorageResourcesExceeded = 10047
)

// ClassifyError wraps err with the class its NATS or JetStream cause implies:
// broken connections and timeouts are transient, saturated server resources
// are exhausted, everything else is invalid. Errors that already carry a class
// are wrapped without changing it.
func ClassifyError(err error, component, method, action string) error {
	if err == nil {
		return nil
	}

	var ce *errors.ClassifiedError
	if stderrors.As(err, &ce) {
		return errors.Wrap(err, component, method, action)
	}

	switch {
	case isExhaustedNATS(err):
		return errors.WrapExhausted(err, component, method, action)
	case isTransientNATS(err):
		return errors.WrapTransient(err, component, method, action)
	case stderrors.Is(err, nats.ErrAuthorization):
		return errors.WrapFatal(err, component, method, action)
	default:
		return errors.WrapInvalid(err, component, method, action)
	}
}

func isTransientNATS(err error) bool {
	return stderrors.Is(err, nats.ErrConnectionClosed) ||
		stderrors.Is(err, nats.ErrConnectionDraining) ||
		stderrors.Is(err, nats.ErrConnectionReconnecting) ||
		stderrors.Is(err, nats.ErrTimeout) ||
		stderrors.Is(err, nats.ErrNoResponders) ||
		stderrors.Is(err, nats.ErrNoServers) ||
		stderrors.Is(err, nats.ErrStaleConnection) ||
		stderrors.Is(err, jetstream.ErrBucketNotFound) ||
		stderrors.Is(err, jetstream.ErrJetStreamNotEnabled) ||
		stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(err, ErrNotConnected)
}

func isExhaustedNATS(err error) bool {
	if stderrors.Is(err, nats.ErrMaxConnectionsExceeded) || stderrors.Is(err, nats.ErrSlowConsumer) {
		return true
	}
	var apiErr *jetstream.APIError
	if stderrors.As(err, &apiErr) {
		switch int(apiErr.ErrorCode) {
		case codeInsufficientResources, codeMemoryResourcesExceeded, codeStorageResourcesExceeded:
			return true
		}
		return apiErr.Code == 429 || apiErr.Code == 503
	}
	return false
}
