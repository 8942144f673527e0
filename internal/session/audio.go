package session

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"

	"github.com/PlagueHO/voicepilot-realtime/internal/proto"
	"github.com/PlagueHO/voicepilot-realtime/internal/rtc"
)

// AudioSource delivers encoded audio frames for the outbound track, one
// opus frame per call, paced at the capture cadence.
type AudioSource interface {
	// ReadFrame blocks until the next frame is available or ctx ends.
	ReadFrame(ctx context.Context) (media.Sample, error)
	Close() error
}

// AudioSink consumes a remote track carrying the synthesized voice.
// HandleTrack is invoked once per incoming track and owns reading it
// until ctx ends.
type AudioSink interface {
	HandleTrack(ctx context.Context, track *webrtc.TrackRemote)
}

const silenceFrameInterval = 20 * time.Millisecond

// opusSilence is the canonical three byte opus frame that decodes to
// silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceSource paces opus silence frames at the capture cadence. The
// daemon runs on it until a real capture pipeline is plugged in, which
// keeps the outbound track and the pump alive without a microphone.
type SilenceSource struct {
	ticker *time.Ticker
}

func NewSilenceSource() *SilenceSource {
	return &SilenceSource{ticker: time.NewTicker(silenceFrameInterval)}
}

func (s *SilenceSource) ReadFrame(ctx context.Context) (media.Sample, error) {
	select {
	case <-ctx.Done():
		return media.Sample{}, ctx.Err()
	case <-s.ticker.C:
		return media.Sample{Data: opusSilence, Duration: silenceFrameInterval}, nil
	}
}

func (s *SilenceSource) Close() error {
	s.ticker.Stop()
	return nil
}

// SwitchMicrophone replaces the capture source mid call. The outbound
// track is swapped on its sender, so no renegotiation happens and the
// assistant keeps listening.
func (s *Service) SwitchMicrophone(source AudioSource) error {
	transport := s.currentTransport()
	if transport == nil {
		return errNotRunning
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "voicepilot")
	if err != nil {
		return errors.Wrap(err, "creating replacement track")
	}

	trackId, err := transport.ReplaceAudioTrack(transport.LocalTrackId(), track)
	if err != nil {
		return err
	}

	s.locker.Lock()
	old := s.source
	s.source = source
	gen := s.generation
	ctx := s.ctx
	s.locker.Unlock()

	if old != nil && old != source {
		if cerr := old.Close(); cerr != nil {
			s.logger.Error(cerr, "closing previous audio source")
		}
	}
	s.startPump(gen, ctx)

	s.publish("audio.source_switched", proto.H{"trackId": trackId})
	s.logger.Info("audio source switched", "trackId", trackId)
	return nil
}

// startPump starts the goroutine moving frames from the source to the
// outbound track, cancelling the previous pump first. Without a source
// or a live session it does nothing.
func (s *Service) startPump(gen uint64, base context.Context) {
	s.locker.Lock()
	if s.pumpCancel != nil {
		s.pumpCancel()
		s.pumpCancel = nil
	}
	source := s.source
	transport := s.transport
	if source == nil || transport == nil || base == nil || s.generation != gen {
		s.locker.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(base)
	s.pumpCancel = cancel
	s.locker.Unlock()

	go s.pump(ctx, gen, source, transport)
}

// pump is the audio forwarding loop. It exits on cancellation silently;
// any other failure is classified and dispatched, and a later recovery
// success re-arms a fresh pump.
func (s *Service) pump(ctx context.Context, gen uint64, source AudioSource, transport *rtc.Transport) {
	s.logger.V(1).Info("audio pump started")
	for {
		sample, err := source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error(err, "reading audio frame")
			s.dispatch(gen, s.currentHandler(), rtc.NewTransportErrorWithCode(
				rtc.ErrorCodeAudioTrackFailed, errors.Wrap(err, "audio source failed")))
			return
		}
		if err := transport.WriteAudioSample(sample); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error(err, "writing audio sample")
			s.dispatch(gen, s.currentHandler(), rtc.NewTransportError(err))
			return
		}
	}
}
