package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/PlagueHO/voicepilot-realtime/internal/events"
	"github.com/PlagueHO/voicepilot-realtime/internal/metrics"
)

// ErrorCallbacks are the three outward routes of error dispatch. All are
// optional; a nil callback is simply skipped.
type ErrorCallbacks struct {
	// OnAuthenticationError fires for authentication failures, which are
	// never handed to recovery: the owner renews credentials and restarts.
	OnAuthenticationError func(*TransportError)

	// OnConnectionError fires when a recoverable failure exhausts
	// recovery, and also when recovery of a non data channel failure
	// succeeds. A data channel failure repaired in band is suppressed:
	// the session saw no disruption, so the owner is not told.
	OnConnectionError func(*TransportError)

	// OnFatalError fires for non-recoverable configuration and region
	// failures. The session must be torn down; the Transport is dead.
	OnFatalError func(*TransportError)
}

// ErrorHandler owns dispatch: classification happened earlier and is pure,
// this is the only place an error grows side effects.
type ErrorHandler struct {
	recovery  *RecoveryManager
	callbacks ErrorCallbacks
	logger    logr.Logger
	metrics   *metrics.Metrics

	recoveryHub events.Hub[RecoveryEvent]
	recoverySub *events.Subscription

	locker sync.Mutex
	total  int
	byCode map[ErrorCode]int
	last   *TransportError
	recent []time.Time
}

// ErrorStats is a diagnostic snapshot of the rolling error log.
type ErrorStats struct {
	Total    int               `json:"total"`
	ByCode   map[ErrorCode]int `json:"byCode"`
	LastHour int               `json:"lastHour"`
	Last     *TransportError   `json:"last,omitempty"`
}

func NewErrorHandler(recovery *RecoveryManager, callbacks ErrorCallbacks, logger logr.Logger, m *metrics.Metrics) *ErrorHandler {
	h := &ErrorHandler{
		recovery:  recovery,
		callbacks: callbacks,
		logger:    logger,
		metrics:   m,
		byCode:    make(map[ErrorCode]int),
	}
	h.recoverySub = recovery.OnRecoveryEvent(func(ev RecoveryEvent) {
		h.recoveryHub.Publish(ev)
	})
	return h
}

// OnRecoveryEvent forwards the Recovery Manager's cycle telemetry to
// observers that hold the handler rather than the transport.
func (h *ErrorHandler) OnRecoveryEvent(fn func(RecoveryEvent)) *events.Subscription {
	return h.recoveryHub.Subscribe(fn)
}

// Dispose releases the internal recovery subscription and drops all
// telemetry observers. Error dispatch itself keeps working.
func (h *ErrorHandler) Dispose() {
	h.recoverySub.Close()
	h.recoveryHub.Close()
}

// HandleError routes one classified failure. Authentication errors go to
// the auth callback and never reach the Recovery Manager; fatal errors go
// to the fatal callback; everything else runs a recovery cycle, and the
// outcome decides whether the connection-error callback fires.
func (h *ErrorHandler) HandleError(ctx context.Context, terr *TransportError) {
	if terr == nil {
		return
	}

	h.record(terr)
	h.metrics.RecordTransportError(string(terr.Code))

	if terr.Code == ErrorCodeAuthenticationFailed {
		h.logger.Info("authentication failure, routing to credential renewal", "message", terr.Message)
		if cb := h.callbacks.OnAuthenticationError; cb != nil {
			cb(terr)
		}
		return
	}

	if !terr.Recoverable {
		h.logger.Error(terr, "fatal transport failure", "code", terr.Code)
		if cb := h.callbacks.OnFatalError; cb != nil {
			cb(terr)
		}
		return
	}

	recovered, ran := h.recovery.run(ctx, terr)
	if !ran {
		// a cycle is already in flight and owns the outcome for this
		// outage; reporting every overlapping failure would spam the owner
		h.logger.V(1).Info("dropping failure, recovery already running", "code", terr.Code)
		return
	}
	if ctx.Err() != nil {
		// the owner cancelled recovery, it does not want a verdict
		return
	}
	if recovered && terr.Code == ErrorCodeDataChannelFailed {
		// repaired in band, the session never saw an interruption
		h.logger.Info("data channel repaired, suppressing connection error", "message", terr.Message)
		return
	}

	if cb := h.callbacks.OnConnectionError; cb != nil {
		cb(terr)
	}
}

// Stats snapshots the rolling error log. The trailing window counts
// errors recorded within the last hour.
func (h *ErrorHandler) Stats() ErrorStats {
	h.locker.Lock()
	defer h.locker.Unlock()

	h.pruneLocked(time.Now())

	byCode := make(map[ErrorCode]int, len(h.byCode))
	for code, n := range h.byCode {
		byCode[code] = n
	}

	return ErrorStats{
		Total:    h.total,
		ByCode:   byCode,
		LastHour: len(h.recent),
		Last:     h.last,
	}
}

func (h *ErrorHandler) record(terr *TransportError) {
	h.locker.Lock()
	defer h.locker.Unlock()

	now := time.Now()
	h.total++
	h.byCode[terr.Code]++
	h.last = terr
	h.recent = append(h.recent, now)
	h.pruneLocked(now)
}

func (h *ErrorHandler) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for ; i < len(h.recent); i++ {
		if h.recent[i].After(cutoff) {
			break
		}
	}
	h.recent = h.recent[i:]
}
