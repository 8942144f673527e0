package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/PlagueHO/voicepilot-realtime/internal/auth"
	"github.com/PlagueHO/voicepilot-realtime/internal/config"
	"github.com/PlagueHO/voicepilot-realtime/internal/events"
	"github.com/PlagueHO/voicepilot-realtime/internal/metrics"
	"github.com/PlagueHO/voicepilot-realtime/internal/proto"
	"github.com/PlagueHO/voicepilot-realtime/internal/rtc"
	"github.com/PlagueHO/voicepilot-realtime/internal/tasks"
)

var errNotRunning = errors.New("session is not running")

// Callbacks surface session milestones to the embedding application.
// Every field is optional.
type Callbacks struct {
	OnStateChange   func(rtc.StateChange)
	OnQualityChange func(rtc.QualityChange)
	OnTranscript    func(itemId, delta string)
	OnSpeechStarted func()
	OnSpeechStopped func()
	OnError         func(*rtc.TransportError)
}

// Options carries the optional collaborators a Service runs with.
type Options struct {
	Source    AudioSource
	Sink      AudioSink
	Callbacks Callbacks
}

// Status is a point in time snapshot for the daemon status endpoint.
type Status struct {
	Running          bool                  `json:"running"`
	State            rtc.ConnectionState   `json:"state"`
	Quality          rtc.ConnectionQuality `json:"quality"`
	DataChannelState string                `json:"dataChannelState,omitempty"`
	FallbackActive   bool                  `json:"fallbackActive"`
	SessionId        string                `json:"sessionId,omitempty"`
	ConnectionId     string                `json:"connectionId,omitempty"`
	StartedAt        time.Time             `json:"startedAt,omitempty"`
	QueueDepth       int                   `json:"queueDepth"`
	LastError        *rtc.TransportError   `json:"lastError,omitempty"`
	Statistics       rtc.Statistics        `json:"statistics"`
	Recovery         rtc.RecoveryStats     `json:"recovery"`
	Errors           rtc.ErrorStats        `json:"errors"`
}

// Service drives one realtime voice session end to end. It owns the
// transport, feeds microphone audio into it, routes failures through the
// error handler and restarts the whole session when in place repair is
// not enough. A Service outlives its sessions: Start and Stop may cycle
// any number of times.
type Service struct {
	cfg     config.Config
	tokens  auth.TokenProvider
	tasks   *tasks.Registry
	logger  logr.Logger
	metrics *metrics.Metrics

	callbacks Callbacks

	// locker guards the per-session fields below. Never hold it while
	// calling into the transport or publishing events.
	locker       sync.Mutex
	running      bool
	generation   uint64
	ctx          context.Context
	cancel       context.CancelFunc
	pumpCancel   context.CancelFunc
	transport    *rtc.Transport
	recovery     *rtc.RecoveryManager
	handler      *rtc.ErrorHandler
	subs         []*events.Subscription
	source       AudioSource
	sink         AudioSink
	creds        auth.Credentials
	connectionId string
	startedAt    time.Time

	establishing uint32
	restarting   uint32

	stream events.Hub[proto.StreamEvent]
}

func New(cfg config.Config, tokens auth.TokenProvider, registry *tasks.Registry, logger logr.Logger, m *metrics.Metrics, opts Options) *Service {
	if registry == nil {
		registry = tasks.NewRegistry(logger)
	}
	return &Service{
		cfg:       cfg,
		tokens:    tokens,
		tasks:     registry,
		logger:    logger,
		metrics:   m,
		source:    opts.Source,
		sink:      opts.Sink,
		callbacks: opts.Callbacks,
	}
}

// OnStreamEvent subscribes to the flattened event stream the daemon
// pushes to websocket clients.
func (s *Service) OnStreamEvent(fn func(proto.StreamEvent)) *events.Subscription {
	return s.stream.Subscribe(fn)
}

// Running reports whether a session is currently active.
func (s *Service) Running() bool {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.running
}

// Start brings up a fresh connection and begins moving audio. It fails
// when a session is already running. Connection level failures come back
// as *rtc.TransportError; they are not dispatched to the error handler,
// the caller owns them.
func (s *Service) Start(ctx context.Context) error {
	s.locker.Lock()
	if s.running {
		s.locker.Unlock()
		return errors.New("session already running")
	}
	s.running = true
	s.generation++
	gen := s.generation
	sctx, cancel := context.WithCancel(context.Background())
	s.ctx, s.cancel = sctx, cancel

	transport := rtc.NewTransport(s.cfg.Connection, s.tokens, s.tasks, s.logger.WithName("transport"), s.metrics)
	recovery := rtc.NewRecoveryManager(transport, s.cfg.Connection.Policy, s.logger.WithName("recovery"), s.metrics)
	handler := rtc.NewErrorHandler(recovery, s.errorCallbacks(gen), s.logger.WithName("errors"), s.metrics)
	s.transport, s.recovery, s.handler = transport, recovery, handler
	s.locker.Unlock()

	s.wire(gen, transport, recovery, handler)

	creds, err := s.tokens.Credentials(ctx)
	if err != nil {
		s.stop(gen, "credentials")
		return rtc.NewTransportErrorWithCode(rtc.ErrorCodeAuthenticationFailed,
			errors.Wrap(err, "fetching session credentials"))
	}

	// failures inside establish surface through the return value; the
	// error subscription stays quiet until the session is up
	atomic.StoreUint32(&s.establishing, 1)
	result, err := transport.EstablishConnection(ctx, creds)
	atomic.StoreUint32(&s.establishing, 0)
	if err != nil {
		s.stop(gen, "establish")
		return err
	}

	recovery.NoteConnected()

	s.locker.Lock()
	s.creds = creds
	s.connectionId = result.ConnectionId
	s.startedAt = result.EstablishedAt
	s.locker.Unlock()

	if err := s.configureSession(transport); err != nil {
		s.logger.Error(err, "queueing session configuration")
	}
	s.scheduleRenewal(gen, transport.SessionId(), creds)
	s.startPump(gen, sctx)

	s.publish("session.started", proto.H{
		"sessionId":    transport.SessionId(),
		"connectionId": result.ConnectionId,
	})
	s.logger.Info("session started", "connectionId", result.ConnectionId)
	return nil
}

// Stop tears the session down. Safe to call when nothing is running.
func (s *Service) Stop() error {
	s.locker.Lock()
	gen := s.generation
	s.locker.Unlock()
	return s.stop(gen, "requested")
}

// Close stops the session and releases the event stream. The Service is
// unusable afterwards.
func (s *Service) Close() error {
	err := s.Stop()
	s.stream.Close()
	return err
}

// stop dismantles the session identified by gen. A stale generation is a
// no-op, which makes concurrent stop and restart paths collapse cleanly.
func (s *Service) stop(gen uint64, reason string) error {
	s.locker.Lock()
	if !s.running || s.generation != gen {
		s.locker.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	pumpCancel := s.pumpCancel
	transport := s.transport
	recovery := s.recovery
	handler := s.handler
	subs := s.subs
	s.cancel, s.pumpCancel = nil, nil
	s.transport, s.recovery, s.handler = nil, nil, nil
	s.subs = nil
	s.connectionId = ""
	s.locker.Unlock()

	// cancel first so an in flight recovery cycle ends without a verdict
	if cancel != nil {
		cancel()
	}
	if pumpCancel != nil {
		pumpCancel()
	}
	var err error
	if transport != nil {
		err = transport.CloseConnection()
	}
	if recovery != nil {
		recovery.Close()
	}
	if handler != nil {
		handler.Dispose()
	}
	for _, sub := range subs {
		sub.Close()
	}
	s.publish("session.stopped", proto.H{"reason": reason})
	s.logger.Info("session stopped", "reason", reason)
	return err
}

// restart tears the current session down and starts a new one. It runs on
// its own goroutine so transport callbacks never block, and collapses
// concurrent requests into a single restart.
func (s *Service) restart(gen uint64, terr *rtc.TransportError) {
	if !atomic.CompareAndSwapUint32(&s.restarting, 0, 1) {
		s.logger.V(1).Info("restart already pending", "code", terr.Code)
		return
	}
	go func() {
		defer atomic.StoreUint32(&s.restarting, 0)

		s.logger.Info("restarting session", "code", terr.Code)
		if err := s.stop(gen, string(terr.Code)); err != nil {
			s.logger.Error(err, "stopping before restart")
		}

		budget := s.cfg.Connection.Policy.ConnectTimeout + s.cfg.KeyService.Timeout
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()
		if err := s.Start(ctx); err != nil {
			s.logger.Error(err, "session restart failed")
			s.publish("session.failed", proto.H{"error": err.Error()})
		}
	}()
}

// errorCallbacks routes handler verdicts. Authentication failures force a
// clean restart, which fetches fresh credentials on the way up. Exhausted
// connection failures restart too; fatal configuration failures only tear
// down.
func (s *Service) errorCallbacks(gen uint64) rtc.ErrorCallbacks {
	return rtc.ErrorCallbacks{
		OnAuthenticationError: func(terr *rtc.TransportError) {
			s.publishError(terr)
			s.notify(terr)
			s.restart(gen, terr)
		},
		OnConnectionError: func(terr *rtc.TransportError) {
			s.publishError(terr)
			s.notify(terr)
			if tr := s.currentTransport(); tr != nil && tr.State() == rtc.StateConnected {
				// recovery repaired the link in place, nothing to rebuild
				return
			}
			s.restart(gen, terr)
		},
		OnFatalError: func(terr *rtc.TransportError) {
			s.publishError(terr)
			s.notify(terr)
			go func() {
				if err := s.stop(gen, string(terr.Code)); err != nil {
					s.logger.Error(err, "stopping after fatal error")
				}
			}()
		},
	}
}

// wire subscribes the service to everything the transport emits. The
// subscriptions are torn down with the session.
func (s *Service) wire(gen uint64, transport *rtc.Transport, recovery *rtc.RecoveryManager, handler *rtc.ErrorHandler) {
	subs := []*events.Subscription{
		transport.AttachRecovery(recovery),

		transport.OnStateChange(func(sc rtc.StateChange) {
			s.publish("connection.state", proto.H{"previous": sc.Previous, "current": sc.Current})
			if cb := s.callbacks.OnStateChange; cb != nil {
				cb(sc)
			}
		}),

		transport.OnError(func(terr *rtc.TransportError) {
			if atomic.LoadUint32(&s.establishing) == 1 {
				s.logger.V(1).Info("dropping error during establish", "code", terr.Code)
				return
			}
			// recovery sleeps between attempts, keep transport callbacks free
			go s.dispatch(gen, handler, terr)
		}),

		transport.OnMessage(func(ev proto.ServerEvent) { s.handleServerEvent(ev) }),

		transport.OnQualityChange(func(qc rtc.QualityChange) {
			s.publish("connection.quality", proto.H{"previous": qc.Previous, "current": qc.Current})
			if cb := s.callbacks.OnQualityChange; cb != nil {
				cb(qc)
			}
		}),

		transport.OnDiagnostics(func(stats rtc.Statistics) {
			s.publish("statistics", stats)
		}),

		transport.OnFallbackState(func(fs rtc.FallbackState) {
			s.publish("fallback", proto.H{"active": fs.Active, "queued": fs.Queued})
		}),

		transport.OnChannelStateChange(func(cs rtc.ChannelStateChange) {
			s.publish("channel.state", proto.H{"label": cs.Label, "state": cs.State})
		}),

		transport.OnRecoveryEvent(func(re rtc.RecoveryEvent) {
			data := proto.H{
				"phase":    re.Phase,
				"strategy": re.Strategy,
				"attempt":  re.Attempt,
			}
			if re.Err != nil {
				data["error"] = re.Err.Error()
			}
			s.publish("recovery", data)
			if re.Phase == rtc.RecoveryPhaseSucceeded {
				// a full reconnect rebuilds the outbound track; re-arm the
				// pump so frames flow into the new one
				s.startPump(gen, s.sessionContext())
			}
		}),

		transport.OnRemoteTrack(func(rt rtc.RemoteTrack) {
			s.publish("track.remote", proto.H{"id": rt.Track.ID(), "kind": rt.Track.Kind().String()})
			s.locker.Lock()
			sink := s.sink
			s.locker.Unlock()
			if sink != nil {
				go sink.HandleTrack(s.sessionContext(), rt.Track)
			}
		}),

		transport.OnTrackAdded(func(te rtc.TrackEvent) {
			s.publish("track.added", proto.H{"id": te.TrackId, "kind": te.Kind})
		}),

		transport.OnTrackRemoved(func(te rtc.TrackEvent) {
			s.publish("track.removed", proto.H{"id": te.TrackId, "kind": te.Kind})
		}),
	}

	s.locker.Lock()
	s.subs = subs
	s.locker.Unlock()
}

// dispatch hands an async failure to the error handler of the session it
// belongs to. Failures from dead generations are dropped.
func (s *Service) dispatch(gen uint64, handler *rtc.ErrorHandler, terr *rtc.TransportError) {
	if handler == nil || terr == nil {
		return
	}
	s.locker.Lock()
	ok := s.running && s.generation == gen
	ctx := s.ctx
	s.locker.Unlock()
	if !ok || ctx == nil {
		return
	}
	handler.HandleError(ctx, terr)
}

// handleServerEvent fans a decoded control channel event out to the
// interested callback and forwards it on the stream untouched.
func (s *Service) handleServerEvent(ev proto.ServerEvent) {
	switch ev.Type {
	case proto.ServerEventAudioTranscriptDelta:
		if cb := s.callbacks.OnTranscript; cb != nil {
			cb(ev.ItemId, ev.Delta)
		}
	case proto.ServerEventSpeechStarted:
		if cb := s.callbacks.OnSpeechStarted; cb != nil {
			cb()
		}
	case proto.ServerEventSpeechStopped:
		if cb := s.callbacks.OnSpeechStopped; cb != nil {
			cb()
		}
	}
	s.publish(ev.Type, ev)
}

// scheduleRenewal arms a one shot that refreshes the ephemeral key before
// it expires, so later renegotiations carry a live token.
func (s *Service) scheduleRenewal(gen uint64, sessionId string, creds auth.Credentials) {
	if creds.ExpiresAt.IsZero() {
		return
	}
	delay := time.Until(creds.ExpiresAt.Add(-s.cfg.Connection.Policy.TokenRefreshLead))
	if delay < time.Second {
		delay = time.Second
	}
	s.tasks.Schedule(sessionId, "token-renewal", delay, func() { s.renewToken(gen, sessionId) })
}

func (s *Service) renewToken(gen uint64, sessionId string) {
	s.locker.Lock()
	if !s.running || s.generation != gen {
		s.locker.Unlock()
		return
	}
	ctx := s.ctx
	s.locker.Unlock()

	timeout := s.cfg.KeyService.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	creds, err := s.tokens.Credentials(rctx)
	if err != nil {
		s.logger.Error(err, "token renewal failed")
		terr := rtc.NewTransportErrorWithCode(rtc.ErrorCodeAuthenticationFailed,
			errors.Wrap(err, "renewing session token"))
		s.dispatch(gen, s.currentHandler(), terr)
		return
	}

	s.locker.Lock()
	s.creds = creds
	transport := s.transport
	s.locker.Unlock()
	if transport != nil {
		transport.UpdateCredentials(creds)
	}
	s.scheduleRenewal(gen, sessionId, creds)
	s.logger.Info("session token renewed", "expiresAt", creds.ExpiresAt)
	s.publish("session.token_renewed", proto.H{"expiresAt": creds.ExpiresAt})
}

// configureSession pushes the configured voice, formats and turn
// detection right after connecting. The update rides the fallback queue
// when the control channel is still opening.
func (s *Service) configureSession(transport *rtc.Transport) error {
	return transport.SendDataChannelMessage(proto.NewSessionUpdate(sessionPayload(s.cfg.Connection.Session)))
}

// Status reports a snapshot of the running session, or a zeroed one when
// nothing runs.
func (s *Service) Status() Status {
	s.locker.Lock()
	transport := s.transport
	recovery := s.recovery
	handler := s.handler
	st := Status{
		Running:      s.running,
		State:        rtc.StateNew,
		Quality:      rtc.QualityUnknown,
		ConnectionId: s.connectionId,
		StartedAt:    s.startedAt,
	}
	s.locker.Unlock()

	if transport != nil {
		st.State = transport.State()
		st.SessionId = transport.SessionId()
		st.Statistics = transport.Statistics()
		st.Quality = st.Statistics.Quality
		st.DataChannelState = st.Statistics.DataChannel
		st.QueueDepth = transport.FallbackDepth()
		st.FallbackActive = st.QueueDepth > 0
	}
	if recovery != nil {
		st.Recovery = recovery.Stats()
	}
	if handler != nil {
		st.Errors = handler.Stats()
		st.LastError = st.Errors.Last
	}
	return st
}

func (s *Service) currentTransport() *rtc.Transport {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.transport
}

func (s *Service) currentHandler() *rtc.ErrorHandler {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.handler
}

func (s *Service) sessionContext() context.Context {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

func (s *Service) publish(event string, data interface{}) {
	s.stream.Publish(proto.StreamEvent{Event: event, At: time.Now(), Data: data})
}

func (s *Service) publishError(terr *rtc.TransportError) {
	s.publish("error", proto.H{
		"code":        terr.Code,
		"message":     terr.Message,
		"recoverable": terr.Recoverable,
	})
}

func (s *Service) notify(terr *rtc.TransportError) {
	if cb := s.callbacks.OnError; cb != nil {
		cb(terr)
	}
}
