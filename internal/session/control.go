package session

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/PlagueHO/voicepilot-realtime/internal/config"
	"github.com/PlagueHO/voicepilot-realtime/internal/proto"
)

// SendText queues a user text message and asks the assistant to respond.
// While the control channel is down both events ride the fallback queue
// and flush once it reopens.
func (s *Service) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("text must not be empty")
	}
	transport := s.currentTransport()
	if transport == nil {
		return errNotRunning
	}
	if err := transport.SendDataChannelMessage(proto.NewUserText(text)); err != nil {
		return err
	}
	return transport.SendDataChannelMessage(proto.NewResponseCreate())
}

// Interrupt cancels the in flight assistant response and drops any
// buffered input audio, so the next utterance starts clean.
func (s *Service) Interrupt() error {
	transport := s.currentTransport()
	if transport == nil {
		return errNotRunning
	}
	if err := transport.SendDataChannelMessage(proto.NewResponseCancel()); err != nil {
		return err
	}
	return transport.SendDataChannelMessage(proto.NewInputAudioBufferClear())
}

// UpdateSessionParameters pushes new session settings mid call.
func (s *Service) UpdateSessionParameters(cfg config.SessionConfig) error {
	transport := s.currentTransport()
	if transport == nil {
		return errNotRunning
	}
	return transport.SendDataChannelMessage(proto.NewSessionUpdate(sessionPayload(cfg)))
}

// transcriptionModel transcribes the user's audio server side so the
// stream carries their words, not just the assistant's.
const transcriptionModel = "whisper-1"

// sessionPayload maps configured session settings onto the wire shape.
// Turn detection type "none" leaves the field unset; the locale narrows
// to its ISO 639-1 language for transcription.
func sessionPayload(cfg config.SessionConfig) *proto.SessionPayload {
	payload := &proto.SessionPayload{
		Modalities:        []string{"text", "audio"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  cfg.InputAudioFormat,
		OutputAudioFormat: cfg.OutputAudioFormat,
	}
	if cfg.Locale != "" {
		language, _, _ := strings.Cut(cfg.Locale, "-")
		payload.InputAudioTranscription = &proto.AudioTranscription{
			Model:    transcriptionModel,
			Language: strings.ToLower(language),
		}
	}
	if td := cfg.TurnDetection; td.Type != "" && td.Type != "none" {
		payload.TurnDetection = &proto.TurnDetection{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   int(td.PrefixPadding / time.Millisecond),
			SilenceDurationMs: int(td.SilenceDuration / time.Millisecond),
			CreateResponse:    td.CreateResponse,
		}
	}
	return payload
}
