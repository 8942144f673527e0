package rtc

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/PlagueHO/voicepilot-realtime/internal/config"
	"github.com/PlagueHO/voicepilot-realtime/internal/events"
	"github.com/PlagueHO/voicepilot-realtime/internal/metrics"
)

// RepairTransport is the narrow capability surface the Recovery Manager
// drives. The concrete Transport implements it; recovery never sees more
// of the transport than these three primitives.
type RepairTransport interface {
	RestartNegotiation(ctx context.Context) bool
	RecreateDataChannel(ctx context.Context) bool
	Reconnect(ctx context.Context) bool
}

type RecoveryStrategy string

const (
	StrategyRestartNegotiation  RecoveryStrategy = "restart_negotiation"
	StrategyRecreateDataChannel RecoveryStrategy = "recreate_data_channel"
	StrategyFullReconnect       RecoveryStrategy = "full_reconnect"
)

// StrategyForCode picks the repair strategy for a classified failure.
// Deterministic: the same code always selects the same strategy.
func StrategyForCode(code ErrorCode) RecoveryStrategy {
	switch code {
	case ErrorCodeICEConnectionFailed, ErrorCodeNetworkTimeout:
		return StrategyRestartNegotiation
	case ErrorCodeDataChannelFailed:
		return StrategyRecreateDataChannel
	}
	return StrategyFullReconnect
}

// RecoveryStats is a read-only snapshot of the manager's counters.
type RecoveryStats struct {
	IsRecovering       bool      `json:"isRecovering"`
	CurrentAttempt     int       `json:"currentAttempt"`
	SuccessiveFailures int       `json:"successiveFailures"`
	TotalAttempts      int       `json:"totalAttempts"`
	LastConnectedAt    time.Time `json:"lastConnectedAt,omitempty"`
}

// RecoveryManager runs at most one repair cycle at a time against a
// RepairTransport, backing off exponentially between attempts.
type RecoveryManager struct {
	transport RepairTransport
	policy    config.ConnectionPolicy
	logger    logr.Logger
	metrics   *metrics.Metrics
	hub       events.Hub[RecoveryEvent]

	active uint32

	locker             sync.Mutex
	currentAttempt     int
	successiveFailures int
	totalAttempts      int
	lastConnectedAt    time.Time
}

func NewRecoveryManager(transport RepairTransport, policy config.ConnectionPolicy, logger logr.Logger, m *metrics.Metrics) *RecoveryManager {
	return &RecoveryManager{
		transport: transport,
		policy:    policy,
		logger:    logger,
		metrics:   m,
	}
}

// OnRecoveryEvent subscribes to the cycle telemetry stream.
func (r *RecoveryManager) OnRecoveryEvent(fn func(RecoveryEvent)) *events.Subscription {
	return r.hub.Subscribe(fn)
}

// BackoffDelay computes the wait before the given 1-based attempt:
// BaseDelay * Multiplier^(attempt-1), plus an optional jitter fraction.
func (r *RecoveryManager) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(r.policy.BaseDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if r.policy.Jitter > 0 {
		d += d * r.policy.Jitter * rand.Float64()
	}

	return time.Duration(d)
}

// HandleConnectionFailure runs one recovery cycle for a classified,
// recoverable failure. It returns true once a repair primitive reports
// success, false when the attempts are exhausted, the cycle is cancelled,
// or another cycle is already running (the failure is then dropped).
// A cancelled cycle emits neither a succeeded nor a failed event.
func (r *RecoveryManager) HandleConnectionFailure(ctx context.Context, terr *TransportError) bool {
	recovered, _ := r.run(ctx, terr)
	return recovered
}

// Recovering reports whether a cycle is in flight.
func (r *RecoveryManager) Recovering() bool {
	return atomic.LoadUint32(&r.active) == 1
}

// run additionally reports whether this call owned a cycle at all, so the
// dispatcher can tell a dropped failure from an exhausted one.
func (r *RecoveryManager) run(ctx context.Context, terr *TransportError) (recovered, ran bool) {
	if terr == nil || !terr.Recoverable {
		return false, false
	}

	if !atomic.CompareAndSwapUint32(&r.active, 0, 1) {
		r.logger.V(1).Info("recovery already in progress, dropping failure", "code", terr.Code)
		return false, false
	}
	defer atomic.StoreUint32(&r.active, 0)

	strategy := StrategyForCode(terr.Code)
	started := time.Now()

	r.logger.Info("recovery cycle started",
		"code", terr.Code, "strategy", strategy, "maxAttempts", r.policy.MaxAttempts)

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		delay := r.BackoffDelay(attempt)

		r.noteAttempt(attempt)
		r.metrics.RecordRecoveryAttempt()
		r.hub.Publish(RecoveryEvent{
			Phase:    RecoveryPhaseAttempt,
			Strategy: strategy,
			Attempt:  attempt,
			Delay:    delay,
			At:       time.Now(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.noteCancelled()
			r.logger.Info("recovery cycle cancelled", "attempt", attempt)
			return false, true
		case <-timer.C:
		}

		ok := r.invoke(ctx, strategy)

		if ctx.Err() != nil {
			r.noteCancelled()
			r.logger.Info("recovery cycle cancelled", "attempt", attempt)
			return false, true
		}

		if ok {
			elapsed := time.Since(started)
			r.noteSuccess()
			r.metrics.RecordRecoverySuccess()
			r.hub.Publish(RecoveryEvent{
				Phase:    RecoveryPhaseSucceeded,
				Strategy: strategy,
				Attempt:  attempt,
				Elapsed:  elapsed,
				At:       time.Now(),
			})
			r.logger.Info("recovery succeeded", "strategy", strategy, "attempt", attempt, "elapsed", elapsed)
			return true, true
		}

		r.logger.Info("recovery attempt failed", "strategy", strategy, "attempt", attempt)
	}

	elapsed := time.Since(started)
	r.noteFailure()
	r.metrics.RecordRecoveryFailure()
	r.hub.Publish(RecoveryEvent{
		Phase:    RecoveryPhaseFailed,
		Strategy: strategy,
		Attempt:  r.policy.MaxAttempts,
		Elapsed:  elapsed,
		Err:      terr,
		At:       time.Now(),
	})
	r.logger.Info("recovery exhausted", "strategy", strategy, "attempts", r.policy.MaxAttempts, "elapsed", elapsed)

	return false, true
}

// Stats returns a snapshot of the counters.
func (r *RecoveryManager) Stats() RecoveryStats {
	r.locker.Lock()
	defer r.locker.Unlock()

	return RecoveryStats{
		IsRecovering:       atomic.LoadUint32(&r.active) == 1,
		CurrentAttempt:     r.currentAttempt,
		SuccessiveFailures: r.successiveFailures,
		TotalAttempts:      r.totalAttempts,
		LastConnectedAt:    r.lastConnectedAt,
	}
}

// NoteConnected records a healthy establishment outside any cycle.
func (r *RecoveryManager) NoteConnected() {
	r.locker.Lock()
	defer r.locker.Unlock()

	r.lastConnectedAt = time.Now()
	r.successiveFailures = 0
}

// Close drops all telemetry subscriptions.
func (r *RecoveryManager) Close() {
	r.hub.Close()
}

func (r *RecoveryManager) invoke(ctx context.Context, strategy RecoveryStrategy) bool {
	switch strategy {
	case StrategyRestartNegotiation:
		return r.transport.RestartNegotiation(ctx)
	case StrategyRecreateDataChannel:
		return r.transport.RecreateDataChannel(ctx)
	default:
		return r.transport.Reconnect(ctx)
	}
}

func (r *RecoveryManager) noteAttempt(attempt int) {
	r.locker.Lock()
	defer r.locker.Unlock()

	r.currentAttempt = attempt
	r.totalAttempts++
}

func (r *RecoveryManager) noteSuccess() {
	r.locker.Lock()
	defer r.locker.Unlock()

	r.currentAttempt = 0
	r.successiveFailures = 0
	r.lastConnectedAt = time.Now()
}

func (r *RecoveryManager) noteFailure() {
	r.locker.Lock()
	defer r.locker.Unlock()

	r.currentAttempt = 0
	r.successiveFailures++
}

func (r *RecoveryManager) noteCancelled() {
	r.locker.Lock()
	defer r.locker.Unlock()

	r.currentAttempt = 0
}
