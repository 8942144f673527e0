package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PlagueHO/voicepilot-realtime/internal/auth"
	"github.com/PlagueHO/voicepilot-realtime/internal/config"
	"github.com/PlagueHO/voicepilot-realtime/internal/proto"
	"github.com/PlagueHO/voicepilot-realtime/internal/rtc"
)

func testConfig(baseURL string) config.Config {
	cfg := config.Default()
	cfg.KeyService.Timeout = 100 * time.Millisecond
	cfg.Connection.Endpoint.BaseURL = baseURL
	cfg.Connection.ICEServers = nil
	cfg.Connection.Policy.MaxAttempts = 2
	cfg.Connection.Policy.BaseDelay = time.Millisecond
	cfg.Connection.Policy.ConnectTimeout = 500 * time.Millisecond
	return cfg
}

func staticTokens() auth.TokenProvider {
	return auth.TokenFunc(func(context.Context) (auth.Credentials, error) {
		return auth.Credentials{Token: "ek_test", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
}

// rejectingServer answers every negotiation with a 503 so any establish,
// including one fired by a failure driven restart, fails fast and offline.
func rejectingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, cfg config.Config, opts Options) *Service {
	t.Helper()
	s := New(cfg, staticTokens(), nil, logr.Discard(), nil, opts)
	t.Cleanup(func() {
		drainRestart(t, s)
		_ = s.Close()
	})
	return s
}

// drainRestart waits for any in flight failure driven restart to settle
// before the test tears its fixtures down.
func drainRestart(t *testing.T, s *Service) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return atomic.LoadUint32(&s.restarting) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

// wireRunning hand assembles a running session around an unconnected
// transport, sidestepping the network establish.
func wireRunning(t *testing.T, s *Service, repair rtc.RepairTransport) {
	t.Helper()
	s.locker.Lock()
	s.running = true
	s.generation++
	gen := s.generation
	s.ctx, s.cancel = context.WithCancel(context.Background())
	transport := rtc.NewTransport(s.cfg.Connection, s.tokens, s.tasks, logr.Discard(), nil)
	if repair == nil {
		repair = transport
	}
	recovery := rtc.NewRecoveryManager(repair, s.cfg.Connection.Policy, logr.Discard(), nil)
	s.transport = transport
	s.recovery = recovery
	s.handler = rtc.NewErrorHandler(recovery, s.errorCallbacks(gen), logr.Discard(), nil)
	s.locker.Unlock()
}

type fakeRepair struct {
	mu      sync.Mutex
	results map[rtc.RecoveryStrategy][]bool
	calls   map[rtc.RecoveryStrategy]int
}

func newFakeRepair() *fakeRepair {
	return &fakeRepair{
		results: make(map[rtc.RecoveryStrategy][]bool),
		calls:   make(map[rtc.RecoveryStrategy]int),
	}
}

func (f *fakeRepair) count(strategy rtc.RecoveryStrategy) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[strategy]
}

func (f *fakeRepair) invoke(strategy rtc.RecoveryStrategy) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[strategy]++
	queue := f.results[strategy]
	if len(queue) == 0 {
		return false
	}
	next := queue[0]
	f.results[strategy] = queue[1:]
	return next
}

func (f *fakeRepair) RestartNegotiation(context.Context) bool {
	return f.invoke(rtc.StrategyRestartNegotiation)
}

func (f *fakeRepair) RecreateDataChannel(context.Context) bool {
	return f.invoke(rtc.StrategyRecreateDataChannel)
}

func (f *fakeRepair) Reconnect(context.Context) bool {
	return f.invoke(rtc.StrategyFullReconnect)
}

type streamLog struct {
	mu     sync.Mutex
	events []proto.StreamEvent
}

func (l *streamLog) record(ev proto.StreamEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *streamLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Event)
	}
	return out
}

func (l *streamLog) has(event string) bool {
	for _, name := range l.names() {
		if name == event {
			return true
		}
	}
	return false
}

type failingSource struct{}

func (failingSource) ReadFrame(context.Context) (media.Sample, error) {
	return media.Sample{}, errors.New("device unplugged")
}

func (failingSource) Close() error { return nil }

func TestControlOpsRequireRunning(t *testing.T) {
	s := newTestService(t, testConfig(""), Options{})

	err := s.SendText("hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")

	require.Error(t, s.Interrupt())
	require.Error(t, s.UpdateSessionParameters(s.cfg.Connection.Session))
	require.Error(t, s.SwitchMicrophone(failingSource{}))
}

func TestSendTextRejectsEmptyText(t *testing.T) {
	s := newTestService(t, testConfig(""), Options{})

	err := s.SendText("   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestControlEventsRideFallbackQueue(t *testing.T) {
	s := newTestService(t, testConfig(""), Options{})
	wireRunning(t, s, nil)

	require.NoError(t, s.SendText("hello there"))
	assert.Equal(t, 2, s.currentTransport().FallbackDepth(), "item create plus response create")

	require.NoError(t, s.Interrupt())
	assert.Equal(t, 4, s.currentTransport().FallbackDepth())

	require.NoError(t, s.UpdateSessionParameters(s.cfg.Connection.Session))
	assert.Equal(t, 5, s.currentTransport().FallbackDepth())
}

func TestSessionPayloadMapping(t *testing.T) {
	cfg := config.Default().Connection.Session

	payload := sessionPayload(cfg)
	assert.Equal(t, []string{"text", "audio"}, payload.Modalities)
	assert.Equal(t, "alloy", payload.Voice)
	assert.Equal(t, "pcm16", payload.InputAudioFormat)
	assert.Equal(t, "pcm16", payload.OutputAudioFormat)
	require.NotNil(t, payload.InputAudioTranscription)
	assert.Equal(t, "whisper-1", payload.InputAudioTranscription.Model)
	assert.Equal(t, "en", payload.InputAudioTranscription.Language)
	require.NotNil(t, payload.TurnDetection)
	assert.Equal(t, "server_vad", payload.TurnDetection.Type)
	assert.Equal(t, 0.5, payload.TurnDetection.Threshold)
	assert.Equal(t, 300, payload.TurnDetection.PrefixPaddingMs)
	assert.Equal(t, 500, payload.TurnDetection.SilenceDurationMs)
	require.NotNil(t, payload.TurnDetection.CreateResponse)
	assert.True(t, *payload.TurnDetection.CreateResponse)

	cfg.TurnDetection.Type = "none"
	assert.Nil(t, sessionPayload(cfg).TurnDetection)

	cfg.TurnDetection.Type = ""
	assert.Nil(t, sessionPayload(cfg).TurnDetection)

	cfg.Locale = ""
	assert.Nil(t, sessionPayload(cfg).InputAudioTranscription)
}

func TestHandleServerEventCallbacks(t *testing.T) {
	var transcripts []string
	var started, stopped int
	s := newTestService(t, testConfig(""), Options{
		Callbacks: Callbacks{
			OnTranscript:    func(itemId, delta string) { transcripts = append(transcripts, itemId+"="+delta) },
			OnSpeechStarted: func() { started++ },
			OnSpeechStopped: func() { stopped++ },
		},
	})
	log := &streamLog{}
	sub := s.OnStreamEvent(log.record)
	defer sub.Close()

	s.handleServerEvent(proto.ServerEvent{Type: proto.ServerEventAudioTranscriptDelta, ItemId: "item_1", Delta: "Hel"})
	s.handleServerEvent(proto.ServerEvent{Type: proto.ServerEventSpeechStarted})
	s.handleServerEvent(proto.ServerEvent{Type: proto.ServerEventSpeechStopped})
	s.handleServerEvent(proto.ServerEvent{Type: proto.ServerEventResponseDone})

	assert.Equal(t, []string{"item_1=Hel"}, transcripts)
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)

	// every event is forwarded on the stream, reacted to or not
	assert.Equal(t, []string{
		proto.ServerEventAudioTranscriptDelta,
		proto.ServerEventSpeechStarted,
		proto.ServerEventSpeechStopped,
		proto.ServerEventResponseDone,
	}, log.names())
}

func TestStartWhileRunning(t *testing.T) {
	s := newTestService(t, testConfig(""), Options{})
	wireRunning(t, s, nil)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestStartCredentialFailure(t *testing.T) {
	tokens := auth.TokenFunc(func(context.Context) (auth.Credentials, error) {
		return auth.Credentials{}, errors.New("key service exploded")
	})
	s := New(testConfig(""), tokens, nil, logr.Discard(), nil, Options{})
	t.Cleanup(func() { _ = s.Close() })
	log := &streamLog{}
	sub := s.OnStreamEvent(log.record)
	defer sub.Close()

	err := s.Start(context.Background())
	require.Error(t, err)

	var terr *rtc.TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, rtc.ErrorCodeAuthenticationFailed, terr.Code)
	assert.False(t, s.Running())
	assert.True(t, log.has("session.stopped"))
}

func TestStartEstablishFailure(t *testing.T) {
	srv := rejectingServer(t)
	s := newTestService(t, testConfig(srv.URL), Options{})
	log := &streamLog{}
	sub := s.OnStreamEvent(log.record)
	defer sub.Close()

	err := s.Start(context.Background())
	require.Error(t, err)

	var terr *rtc.TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, rtc.ErrorCodeICEConnectionFailed, terr.Code)
	assert.True(t, terr.Recoverable)
	assert.False(t, s.Running())
	assert.True(t, log.has("session.stopped"))
	assert.False(t, log.has("session.started"))
}

func TestFatalErrorTearsDown(t *testing.T) {
	var mu sync.Mutex
	var seen []*rtc.TransportError
	s := newTestService(t, testConfig(""), Options{
		Callbacks: Callbacks{OnError: func(terr *rtc.TransportError) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, terr)
		}},
	})
	wireRunning(t, s, newFakeRepair())
	log := &streamLog{}
	sub := s.OnStreamEvent(log.record)
	defer sub.Close()

	terr := rtc.NewTransportErrorWithCode(rtc.ErrorCodeConfigurationInvalid, errors.New("deployment must be set"))
	s.dispatch(s.generation, s.currentHandler(), terr)

	assert.Eventually(t, func() bool { return !s.Running() }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return log.has("session.stopped") }, time.Second, 10*time.Millisecond)
	assert.True(t, log.has("error"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, rtc.ErrorCodeConfigurationInvalid, seen[0].Code)
}

func TestConnectionExhaustionRestarts(t *testing.T) {
	srv := rejectingServer(t)
	s := newTestService(t, testConfig(srv.URL), Options{})
	repair := newFakeRepair() // unscripted, every attempt fails
	wireRunning(t, s, repair)
	log := &streamLog{}
	sub := s.OnStreamEvent(log.record)
	defer sub.Close()

	terr := rtc.NewTransportErrorWithCode(rtc.ErrorCodeICEConnectionFailed, errors.New("ice connection failed"))
	s.dispatch(s.generation, s.currentHandler(), terr)

	assert.Equal(t, 2, repair.count(rtc.StrategyRestartNegotiation))

	// exhaustion tears the session down and the restart attempt runs into
	// the rejecting negotiation server
	assert.Eventually(t, func() bool { return log.has("session.failed") }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, log.has("session.stopped"))
	drainRestart(t, s)
	assert.False(t, s.Running())
}

func TestPumpSourceFailureRouted(t *testing.T) {
	srv := rejectingServer(t)
	var mu sync.Mutex
	var codes []rtc.ErrorCode
	s := newTestService(t, testConfig(srv.URL), Options{
		Source: failingSource{},
		Callbacks: Callbacks{OnError: func(terr *rtc.TransportError) {
			mu.Lock()
			defer mu.Unlock()
			codes = append(codes, terr.Code)
		}},
	})
	wireRunning(t, s, newFakeRepair())

	s.startPump(s.generation, s.ctx)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(codes) > 0 && codes[0] == rtc.ErrorCodeAudioTrackFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusSnapshot(t *testing.T) {
	s := newTestService(t, testConfig(""), Options{})

	st := s.Status()
	assert.False(t, st.Running)
	assert.Equal(t, rtc.StateNew, st.State)
	assert.Equal(t, rtc.QualityUnknown, st.Quality)
	assert.False(t, st.FallbackActive)
	assert.Nil(t, st.LastError)
	assert.Empty(t, st.SessionId)
	assert.Zero(t, st.QueueDepth)

	wireRunning(t, s, nil)
	require.NoError(t, s.SendText("hi"))

	st = s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, rtc.StateNew, st.State)
	assert.NotEmpty(t, st.SessionId)
	assert.Equal(t, 2, st.QueueDepth)
	assert.True(t, st.FallbackActive)
	assert.Equal(t, rtc.QualityUnknown, st.Quality)
	assert.Equal(t, rtc.QualityUnknown, st.Statistics.Quality)
}

func TestStopWithoutSession(t *testing.T) {
	s := newTestService(t, testConfig(""), Options{})
	log := &streamLog{}
	sub := s.OnStreamEvent(log.record)
	defer sub.Close()

	require.NoError(t, s.Stop())
	assert.Empty(t, log.names())
}

func TestRenewTokenUpdatesCredentials(t *testing.T) {
	calls := 0
	tokens := auth.TokenFunc(func(context.Context) (auth.Credentials, error) {
		calls++
		return auth.Credentials{Token: fmt.Sprintf("ek_%d", calls), ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	s := New(testConfig(""), tokens, nil, logr.Discard(), nil, Options{})
	t.Cleanup(func() { _ = s.Close() })
	wireRunning(t, s, nil)
	log := &streamLog{}
	sub := s.OnStreamEvent(log.record)
	defer sub.Close()

	s.renewToken(s.generation, "sess-1")

	assert.Equal(t, "ek_1", s.creds.Token)
	assert.True(t, log.has("session.token_renewed"))

	// the next renewal is armed against the new expiry
	assert.Contains(t, s.tasks.Active("sess-1"), "token-renewal")
	s.tasks.CancelSession("sess-1")
}

func TestRenewTokenFailureLeavesCredentials(t *testing.T) {
	tokens := auth.TokenFunc(func(context.Context) (auth.Credentials, error) {
		return auth.Credentials{}, errors.New("key service exploded")
	})
	s := New(testConfig(""), tokens, nil, logr.Discard(), nil, Options{})
	t.Cleanup(func() { _ = s.Close() })
	wireRunning(t, s, nil)
	s.handler = nil // keep the failure from scheduling a restart
	log := &streamLog{}
	sub := s.OnStreamEvent(log.record)
	defer sub.Close()

	s.renewToken(s.generation, "sess-1")

	assert.Empty(t, s.creds.Token)
	assert.False(t, log.has("session.token_renewed"))
}

func TestSilenceSourcePacing(t *testing.T) {
	source := NewSilenceSource()
	defer source.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	for i := 0; i < 3; i++ {
		sample, err := source.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, opusSilence, sample.Data)
		assert.Equal(t, silenceFrameInterval, sample.Duration)
	}
	assert.GreaterOrEqual(t, time.Since(start), 2*silenceFrameInterval)

	cancel()
	_, err := source.ReadFrame(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSwitchMicrophoneWithoutConnection(t *testing.T) {
	s := newTestService(t, testConfig(""), Options{})
	wireRunning(t, s, nil)

	// no outbound track exists before establish, so there is no sender to
	// swap onto
	err := s.SwitchMicrophone(failingSource{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such track")
}

func TestCloseReleasesStream(t *testing.T) {
	s := New(testConfig(""), staticTokens(), nil, logr.Discard(), nil, Options{})
	log := &streamLog{}
	s.OnStreamEvent(log.record)

	require.NoError(t, s.Close())
	s.publish("late", nil)
	assert.Empty(t, log.names())

	// closing again is harmless
	require.NoError(t, s.Close())
}
