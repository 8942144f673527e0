package rtc

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/PlagueHO/voicepilot-realtime/internal/auth"
	"github.com/PlagueHO/voicepilot-realtime/internal/config"
	"github.com/PlagueHO/voicepilot-realtime/internal/events"
	"github.com/PlagueHO/voicepilot-realtime/internal/metrics"
	"github.com/PlagueHO/voicepilot-realtime/internal/proto"
	"github.com/PlagueHO/voicepilot-realtime/internal/tasks"
)

const (
	renegotiateDebounce = 150 * time.Millisecond
	statePollInterval   = 50 * time.Millisecond
)

// Transport owns one peer connection to the realtime endpoint: the local
// audio track, the control data channel, the connection state machine and
// the statistics sampler. All methods are safe for concurrent use.
type Transport struct {
	cfg     config.ConnectionConfig
	tokens  auth.TokenProvider
	tasks   *tasks.Registry
	logger  logr.Logger
	metrics *metrics.Metrics

	api     *webrtc.API
	machine *stateMachine
	queue   *fallbackQueue
	neg     *negotiator

	sessionId string
	closed    uint32

	// sendMu serializes the direct send and flush paths so queued
	// messages always drain before anything newer goes out. Lock order
	// is sendMu before locker.
	sendMu sync.Mutex

	locker       sync.Mutex
	pc           *webrtc.PeerConnection
	dc           *webrtc.DataChannel
	localTrack   *webrtc.TrackLocalStaticSample
	senders      map[string]*webrtc.RTPSender
	creds        auth.Credentials
	connectionId string
	lastQuality  ConnectionQuality

	renegotiateSoon func(func())

	stateHub       events.Hub[StateChange]
	qualityHub     events.Hub[QualityChange]
	errorHub       events.Hub[*TransportError]
	messageHub     events.Hub[proto.ServerEvent]
	channelHub     events.Hub[ChannelStateChange]
	trackAddedHub  events.Hub[TrackEvent]
	trackGoneHub   events.Hub[TrackEvent]
	fallbackHub    events.Hub[FallbackState]
	diagnosticsHub events.Hub[Statistics]
	remoteTrackHub events.Hub[RemoteTrack]
	recoveryHub    events.Hub[RecoveryEvent]
}

var _ RepairTransport = (*Transport)(nil)

// NewTransport wires a transport against cfg. Nothing connects until
// EstablishConnection is called.
func NewTransport(cfg config.ConnectionConfig, tokens auth.TokenProvider, registry *tasks.Registry, logger logr.Logger, m *metrics.Metrics) *Transport {
	if registry == nil {
		registry = tasks.NewRegistry(logger)
	}

	t := &Transport{
		cfg:             cfg,
		tokens:          tokens,
		tasks:           registry,
		logger:          logger,
		metrics:         m,
		api:             webrtc.NewAPI(webrtc.WithSettingEngine(webrtc.SettingEngine{})),
		queue:           newFallbackQueue(cfg.Policy.QueueCapacity),
		neg:             newNegotiator(cfg.Endpoint, cfg.Policy.ConnectTimeout, logger),
		sessionId:       uuid.NewV4().String(),
		senders:         make(map[string]*webrtc.RTPSender),
		lastQuality:     QualityUnknown,
		renegotiateSoon: debounce.New(renegotiateDebounce),
	}
	t.machine = newStateMachine(&t.stateHub, logger)

	t.stateHub.Subscribe(func(sc StateChange) {
		t.logger.Info("connection state changed", "previous", sc.Previous, "current", sc.Current)
		t.metrics.SetConnectionState(string(sc.Current))
	})

	return t
}

// State reports the current lifecycle state.
func (t *Transport) State() ConnectionState { return t.machine.current() }

// SessionId identifies this transport in the task registry and logs.
func (t *Transport) SessionId() string { return t.sessionId }

// FallbackDepth reports how many messages sit in the fallback queue.
func (t *Transport) FallbackDepth() int { return t.queue.len() }

// UpdateCredentials swaps the bearer token used by later renegotiations.
// The live DTLS association does not depend on it.
func (t *Transport) UpdateCredentials(creds auth.Credentials) {
	t.locker.Lock()
	t.creds = creds
	t.locker.Unlock()
}

// LocalTrackId names the current outbound audio track, empty before the
// first connection.
func (t *Transport) LocalTrackId() string {
	t.locker.Lock()
	defer t.locker.Unlock()
	if t.localTrack == nil {
		return ""
	}
	return t.localTrack.ID()
}

func (t *Transport) isClosed() bool { return atomic.LoadUint32(&t.closed) == 1 }

// Subscription accessors. Each returns a disposer handle; handles become
// inert once the transport closes.

func (t *Transport) OnStateChange(fn func(StateChange)) *events.Subscription {
	return t.stateHub.Subscribe(fn)
}

func (t *Transport) OnQualityChange(fn func(QualityChange)) *events.Subscription {
	return t.qualityHub.Subscribe(fn)
}

func (t *Transport) OnError(fn func(*TransportError)) *events.Subscription {
	return t.errorHub.Subscribe(fn)
}

func (t *Transport) OnMessage(fn func(proto.ServerEvent)) *events.Subscription {
	return t.messageHub.Subscribe(fn)
}

func (t *Transport) OnChannelStateChange(fn func(ChannelStateChange)) *events.Subscription {
	return t.channelHub.Subscribe(fn)
}

func (t *Transport) OnTrackAdded(fn func(TrackEvent)) *events.Subscription {
	return t.trackAddedHub.Subscribe(fn)
}

func (t *Transport) OnTrackRemoved(fn func(TrackEvent)) *events.Subscription {
	return t.trackGoneHub.Subscribe(fn)
}

func (t *Transport) OnFallbackState(fn func(FallbackState)) *events.Subscription {
	return t.fallbackHub.Subscribe(fn)
}

func (t *Transport) OnDiagnostics(fn func(Statistics)) *events.Subscription {
	return t.diagnosticsHub.Subscribe(fn)
}

func (t *Transport) OnRemoteTrack(fn func(RemoteTrack)) *events.Subscription {
	return t.remoteTrackHub.Subscribe(fn)
}

func (t *Transport) OnRecoveryEvent(fn func(RecoveryEvent)) *events.Subscription {
	return t.recoveryHub.Subscribe(fn)
}

// AttachRecovery republishes rm's cycle telemetry on the transport's own
// recovery hub so subscribers need only one handle on the transport.
func (t *Transport) AttachRecovery(rm *RecoveryManager) *events.Subscription {
	return rm.OnRecoveryEvent(func(ev RecoveryEvent) {
		t.recoveryHub.Publish(ev)
	})
}

// EstablishConnection validates configuration and credentials, then runs
// the offer/answer exchange and waits for the peer connection to reach
// connected. Validation problems fail fast with a non recoverable
// TransportError before any network activity.
func (t *Transport) EstablishConnection(ctx context.Context, creds auth.Credentials) (*ConnectionResult, error) {
	if t.isClosed() {
		return nil, newTransportErrorf(ErrorCodeConfigurationInvalid, "transport is closed")
	}
	if err := t.cfg.Validate(); err != nil {
		return nil, NewTransportErrorWithCode(ErrorCodeConfigurationInvalid, err)
	}
	if !config.RegionSupported(t.cfg.Endpoint.Region) {
		return nil, newTransportErrorf(ErrorCodeRegionNotSupported, "region %q is not supported", t.cfg.Endpoint.Region)
	}
	if !creds.Valid(time.Now()) {
		return nil, newTransportErrorf(ErrorCodeAuthenticationFailed, "credentials are empty or expired")
	}

	t.machine.fire(eventConnect)
	started := time.Now()

	result, err := t.establish(ctx, creds)
	if err != nil {
		t.machine.fire(eventFail)
		return nil, NewTransportError(err)
	}

	t.metrics.RecordConnect(time.Since(started).Seconds())
	if t.machine.current() != StateConnected {
		t.machine.fire(eventEstablished)
	}
	t.scheduleStatsSampler()

	t.logger.Info("connection established",
		"connectionId", result.ConnectionId, "elapsed", time.Since(started))

	return result, nil
}

// establish builds the peer connection, performs one vanilla ICE round
// and waits for media to flow. On any error the partial connection is
// torn down and the transport keeps its previous refs.
func (t *Transport) establish(ctx context.Context, creds auth.Credentials) (result *ConnectionResult, err error) {
	rtcCfg := webrtc.Configuration{}
	for _, s := range t.cfg.ICEServers {
		rtcCfg.ICEServers = append(rtcCfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := t.api.NewPeerConnection(rtcCfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating peer connection")
	}
	defer func() {
		if err != nil {
			pc.Close()
		}
	}()

	t.wirePeerConnection(pc)

	dc, err := t.attachControlChannel(pc)
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "voicepilot")
	if err != nil {
		return nil, errors.Wrap(err, "creating audio track")
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, errors.Wrap(err, "attaching audio track")
	}

	if err = t.offerAndExchange(ctx, pc, creds.Token, nil); err != nil {
		return nil, err
	}
	if err = t.waitForPeerConnected(ctx, pc); err != nil {
		return nil, err
	}

	connectionId := uuid.NewV4().String()

	t.locker.Lock()
	t.pc = pc
	t.dc = dc
	t.localTrack = track
	t.senders = map[string]*webrtc.RTPSender{track.ID(): sender}
	t.creds = creds
	t.connectionId = connectionId
	t.locker.Unlock()

	return &ConnectionResult{
		ConnectionId:  connectionId,
		LocalTrackId:  track.ID(),
		EstablishedAt: time.Now(),
	}, nil
}

func (t *Transport) wirePeerConnection(pc *webrtc.PeerConnection) {
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.logger.V(1).Info("ice connection state changed", "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateDisconnected:
			t.machine.fire(eventDegrade)
		case webrtc.ICEConnectionStateFailed:
			if t.machine.fire(eventFail) {
				t.emitError(newTransportErrorf(ErrorCodeICEConnectionFailed, "ice connection failed"))
			}
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.V(1).Info("peer connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			t.machine.fire(eventEstablished)
		case webrtc.PeerConnectionStateDisconnected:
			t.machine.fire(eventDegrade)
		case webrtc.PeerConnectionStateFailed:
			if t.machine.fire(eventFail) {
				t.emitError(newTransportErrorf(ErrorCodeICEConnectionFailed, "peer connection failed"))
			}
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.logger.Info("remote track", "trackId", track.ID(), "kind", track.Kind().String())
		t.remoteTrackHub.Publish(RemoteTrack{Track: track, Receiver: receiver})
	})

	pc.OnNegotiationNeeded(func() {
		if t.isClosed() || t.machine.current() != StateConnected {
			return
		}
		t.renegotiateSoon(func() {
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Policy.ConnectTimeout)
			defer cancel()
			if !t.RestartNegotiation(ctx) {
				t.logger.Info("track renegotiation failed")
			}
		})
	})
}

// offerAndExchange runs one vanilla ICE offer/answer round: create the
// offer, wait for candidate gathering to complete, post the bundled offer
// and apply the answer.
func (t *Transport) offerAndExchange(ctx context.Context, pc *webrtc.PeerConnection, token string, opts *webrtc.OfferOptions) error {
	offer, err := pc.CreateOffer(opts)
	if err != nil {
		return errors.Wrap(err, "creating offer")
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err = pc.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "applying local description")
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "ice gathering interrupted")
	case <-time.After(t.cfg.Policy.ConnectTimeout):
		return errors.New("timed out waiting for ice gathering")
	}

	local := pc.LocalDescription()
	if local == nil {
		return errors.New("no local description after gathering")
	}

	answerSDP, err := t.neg.exchange(ctx, local.SDP, token)
	if err != nil {
		return err
	}

	if err = pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		return errors.Wrap(err, "applying remote description")
	}

	return nil
}

func (t *Transport) waitForPeerConnected(ctx context.Context, pc *webrtc.PeerConnection) error {
	deadline := time.NewTimer(t.cfg.Policy.ConnectTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(statePollInterval)
	defer tick.Stop()

	for {
		switch pc.ConnectionState() {
		case webrtc.PeerConnectionStateConnected:
			return nil
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			return errors.New("ice connection failed before media could flow")
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for peer connection")
		case <-deadline.C:
			return errors.New("timed out waiting for peer connection")
		case <-tick.C:
		}
	}
}

func (t *Transport) waitForChannelOpen(ctx context.Context, dc *webrtc.DataChannel) error {
	deadline := time.NewTimer(t.cfg.Policy.ConnectTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(statePollInterval)
	defer tick.Stop()

	for {
		if dc.ReadyState() == webrtc.DataChannelStateOpen {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for data channel")
		case <-deadline.C:
			return errors.New("timed out waiting for data channel to open")
		case <-tick.C:
		}
	}
}

// RestartNegotiation repairs media flow in place with an ICE restart
// offer on the existing peer connection. Failure is reported through the
// false return, never through the error hub, so a recovery cycle cannot
// feed itself.
func (t *Transport) RestartNegotiation(ctx context.Context) bool {
	if t.isClosed() {
		return false
	}

	t.locker.Lock()
	pc := t.pc
	token := t.creds.Token
	t.locker.Unlock()
	if pc == nil {
		return false
	}

	t.logger.Info("restarting ice negotiation")
	if err := t.offerAndExchange(ctx, pc, token, &webrtc.OfferOptions{ICERestart: true}); err != nil {
		t.logger.Error(err, "ice restart failed")
		return false
	}
	if err := t.waitForPeerConnected(ctx, pc); err != nil {
		t.logger.Error(err, "ice restart did not reconnect")
		return false
	}

	// the machine sits in failed when the cycle began with a hard ICE
	// failure; walk it through connecting first
	if t.machine.current() == StateFailed {
		t.machine.fire(eventConnect)
	}
	if t.machine.current() != StateConnected {
		t.machine.fire(eventEstablished)
	}

	return true
}

// RecreateDataChannel closes the control channel and opens a fresh one on
// the same peer connection, then waits for it to reach open. Messages
// queued meanwhile flush into the new channel.
func (t *Transport) RecreateDataChannel(ctx context.Context) bool {
	if t.isClosed() {
		return false
	}

	t.locker.Lock()
	pc := t.pc
	old := t.dc
	t.locker.Unlock()
	if pc == nil {
		return false
	}

	if old != nil {
		if err := old.Close(); err != nil {
			t.logger.V(1).Info("closing stale data channel", "reason", err.Error())
		}
	}

	t.logger.Info("recreating data channel", "label", t.cfg.DataChannel.Label)
	dc, err := t.attachControlChannel(pc)
	if err != nil {
		t.logger.Error(err, "recreating data channel")
		return false
	}

	t.locker.Lock()
	t.dc = dc
	t.locker.Unlock()

	if err := t.waitForChannelOpen(ctx, dc); err != nil {
		t.logger.Error(err, "data channel did not open")
		return false
	}

	return true
}

// Reconnect discards the peer connection entirely and builds a new one
// with fresh credentials. Messages queued while offline survive into the
// new channel.
func (t *Transport) Reconnect(ctx context.Context) bool {
	if t.isClosed() {
		return false
	}

	t.teardownPeer()

	creds, err := t.tokens.Credentials(ctx)
	if err != nil {
		t.logger.Error(err, "fetching credentials for reconnect")
		return false
	}

	t.machine.fire(eventConnect)

	result, err := t.establish(ctx, creds)
	if err != nil {
		t.logger.Error(err, "reconnect failed")
		t.machine.fire(eventFail)
		return false
	}

	if t.machine.current() != StateConnected {
		t.machine.fire(eventEstablished)
	}
	t.scheduleStatsSampler()
	t.logger.Info("reconnected", "connectionId", result.ConnectionId)

	return true
}

func (t *Transport) teardownPeer() {
	t.locker.Lock()
	pc, dc := t.pc, t.dc
	t.pc, t.dc, t.localTrack = nil, nil, nil
	t.senders = make(map[string]*webrtc.RTPSender)
	t.connectionId = ""
	t.locker.Unlock()

	if dc != nil {
		dc.Close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			t.logger.V(1).Info("closing peer connection", "reason", err.Error())
		}
	}
}

// CloseConnection shuts the transport down for good. It is idempotent;
// a closed transport cannot be reused.
func (t *Transport) CloseConnection() error {
	if !atomic.CompareAndSwapUint32(&t.closed, 0, 1) {
		return nil
	}

	t.logger.Info("closing transport")
	t.tasks.CancelSession(t.sessionId)
	t.machine.fire(eventClose)

	t.locker.Lock()
	pc, dc := t.pc, t.dc
	t.pc, t.dc, t.localTrack = nil, nil, nil
	t.senders = make(map[string]*webrtc.RTPSender)
	t.locker.Unlock()

	var err error
	if dc != nil {
		dc.Close()
	}
	if pc != nil {
		err = pc.Close()
	}

	t.queue.clear()
	t.metrics.SetQueueDepth(0)

	t.stateHub.Close()
	t.qualityHub.Close()
	t.errorHub.Close()
	t.messageHub.Close()
	t.channelHub.Close()
	t.trackAddedHub.Close()
	t.trackGoneHub.Close()
	t.fallbackHub.Close()
	t.diagnosticsHub.Close()
	t.remoteTrackHub.Close()
	t.recoveryHub.Close()

	return errors.Wrap(err, "closing peer connection")
}

// SendDataChannelMessage sends ev on the control channel, or queues it
// when the channel is not open. Queued messages flush in order once the
// channel opens; past capacity the queue drops its oldest entry.
func (t *Transport) SendDataChannelMessage(ev proto.ClientEvent) error {
	if t.isClosed() {
		return newTransportErrorf(ErrorCodeDataChannelFailed, "transport is closed")
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.locker.Lock()
	dc := t.dc
	t.locker.Unlock()

	if dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen {
		if err := t.sendOn(dc, ev); err == nil {
			return nil
		}
		// send failed, fall through to the queue
	}

	depth, dropped := t.queue.push(ev)
	if dropped {
		t.logger.Info("fallback queue full, dropped oldest message", "capacity", t.cfg.Policy.QueueCapacity)
		t.metrics.RecordQueueDrop()
	}
	t.metrics.SetQueueDepth(depth)
	t.fallbackHub.Publish(FallbackState{Active: true, Queued: depth, At: time.Now()})
	t.logger.V(1).Info("message queued", "type", ev.Type, "depth", depth)

	// the channel may have opened between the check and the push; drain
	// inline so the message does not sit until the next send
	t.locker.Lock()
	dc = t.dc
	t.locker.Unlock()
	if dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen {
		t.flushLocked(dc)
	}

	return nil
}

func (t *Transport) sendOn(dc *webrtc.DataChannel, ev proto.ClientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encoding client event")
	}
	if err := dc.SendText(string(data)); err != nil {
		return errors.Wrap(err, "sending on data channel")
	}
	t.metrics.RecordMessageSent()

	return nil
}

// flushFallbackOn drains the queue onto dc in order. Callers must not
// hold sendMu.
func (t *Transport) flushFallbackOn(dc *webrtc.DataChannel) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.flushLocked(dc)
}

// flushLocked requires sendMu held.
func (t *Transport) flushLocked(dc *webrtc.DataChannel) {
	items := t.queue.drain()
	for i, ev := range items {
		if err := t.sendOn(dc, ev); err != nil {
			requeued := t.queue.requeueFront(items[i:])
			t.logger.Error(err, "flush interrupted, messages requeued", "requeued", requeued)
			t.metrics.SetQueueDepth(requeued)
			t.fallbackHub.Publish(FallbackState{Active: true, Queued: requeued, At: time.Now()})
			return
		}
	}

	if len(items) > 0 {
		t.logger.Info("fallback queue drained", "count", len(items))
	}
	t.metrics.SetQueueDepth(0)
	t.fallbackHub.Publish(FallbackState{Active: false, Queued: 0, At: time.Now()})
}

// AddAudioTrack attaches an extra local audio track. The peer connection
// renegotiates shortly afterwards, debounced so a burst of track changes
// collapses into one round.
func (t *Transport) AddAudioTrack(track webrtc.TrackLocal) (string, error) {
	if t.isClosed() {
		return "", newTransportErrorf(ErrorCodeAudioTrackFailed, "transport is closed")
	}

	t.locker.Lock()
	pc := t.pc
	t.locker.Unlock()
	if pc == nil {
		return "", newTransportErrorf(ErrorCodeAudioTrackFailed, "no active connection")
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		return "", NewTransportErrorWithCode(ErrorCodeAudioTrackFailed, err)
	}

	t.locker.Lock()
	t.senders[track.ID()] = sender
	t.locker.Unlock()

	t.logger.Info("audio track added", "trackId", track.ID())
	t.trackAddedHub.Publish(TrackEvent{TrackId: track.ID(), Kind: "audio", At: time.Now()})

	return track.ID(), nil
}

// RemoveAudioTrack detaches a local track by id.
func (t *Transport) RemoveAudioTrack(trackId string) error {
	if t.isClosed() {
		return newTransportErrorf(ErrorCodeAudioTrackFailed, "transport is closed")
	}

	t.locker.Lock()
	pc := t.pc
	sender, ok := t.senders[trackId]
	if ok {
		delete(t.senders, trackId)
	}
	if t.localTrack != nil && t.localTrack.ID() == trackId {
		t.localTrack = nil
	}
	t.locker.Unlock()

	if pc == nil || !ok {
		return newTransportErrorf(ErrorCodeAudioTrackFailed, "no such track %q", trackId)
	}
	if err := pc.RemoveTrack(sender); err != nil {
		return NewTransportErrorWithCode(ErrorCodeAudioTrackFailed, err)
	}

	t.logger.Info("audio track removed", "trackId", trackId)
	t.trackGoneHub.Publish(TrackEvent{TrackId: trackId, Kind: "audio", At: time.Now()})

	return nil
}

// ReplaceAudioTrack swaps the media source behind an existing sender
// without renegotiating, which is the device switch path. It returns the
// id the replacement is registered under.
func (t *Transport) ReplaceAudioTrack(trackId string, track webrtc.TrackLocal) (string, error) {
	if t.isClosed() {
		return "", newTransportErrorf(ErrorCodeAudioTrackFailed, "transport is closed")
	}

	t.locker.Lock()
	sender, ok := t.senders[trackId]
	t.locker.Unlock()
	if !ok {
		return "", newTransportErrorf(ErrorCodeAudioTrackFailed, "no such track %q", trackId)
	}

	if err := sender.ReplaceTrack(track); err != nil {
		return "", NewTransportErrorWithCode(ErrorCodeAudioTrackFailed, err)
	}

	t.locker.Lock()
	wasPrimary := t.localTrack != nil && t.localTrack.ID() == trackId
	delete(t.senders, trackId)
	t.senders[track.ID()] = sender
	if wasPrimary {
		if st, isSample := track.(*webrtc.TrackLocalStaticSample); isSample {
			t.localTrack = st
		} else {
			t.localTrack = nil
		}
	}
	t.locker.Unlock()

	t.logger.Info("audio track replaced", "previous", trackId, "trackId", track.ID())
	t.trackAddedHub.Publish(TrackEvent{TrackId: track.ID(), Kind: "audio", At: time.Now()})

	return track.ID(), nil
}

// WriteAudioSample feeds one encoded frame into the outbound microphone
// track.
func (t *Transport) WriteAudioSample(sample media.Sample) error {
	t.locker.Lock()
	track := t.localTrack
	t.locker.Unlock()

	if track == nil {
		return newTransportErrorf(ErrorCodeAudioTrackFailed, "no local audio track")
	}
	if err := track.WriteSample(sample); err != nil {
		return NewTransportErrorWithCode(ErrorCodeAudioTrackFailed, err)
	}

	return nil
}

// Statistics snapshots transport health: packet counters, round trip
// time, loss percentage and the derived quality bucket.
func (t *Transport) Statistics() Statistics {
	t.locker.Lock()
	pc, dc := t.pc, t.dc
	t.locker.Unlock()

	var s Statistics
	if pc != nil {
		s = statsFromReport(pc.GetStats())
		s.ICEState = pc.ICEConnectionState().String()
	} else {
		s.SampledAt = time.Now()
		s.Quality = QualityUnknown
	}
	if dc != nil {
		s.DataChannel = dc.ReadyState().String()
	}
	s.ConnectionState = t.machine.current()

	return s
}

func (t *Transport) scheduleStatsSampler() {
	t.tasks.Every(t.sessionId, "stats", t.cfg.Policy.StatsInterval, t.sampleStats)
}

func (t *Transport) sampleStats() {
	if t.isClosed() {
		return
	}

	s := t.Statistics()
	t.metrics.SetLinkQuality(s.PacketLossPct, s.RoundTripTime.Seconds())
	t.diagnosticsHub.Publish(s)

	if s.Quality == QualityUnknown {
		return
	}

	t.locker.Lock()
	previous := t.lastQuality
	changed := s.Quality != previous
	if changed {
		t.lastQuality = s.Quality
	}
	t.locker.Unlock()

	if changed {
		t.logger.Info("connection quality changed", "previous", previous, "current", s.Quality)
		t.qualityHub.Publish(QualityChange{Previous: previous, Current: s.Quality, At: time.Now()})
	}
}

func (t *Transport) emitError(terr *TransportError) {
	if t.isClosed() {
		return
	}
	t.errorHub.Publish(terr)
}
