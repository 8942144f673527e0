package rtc

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/PlagueHO/voicepilot-realtime/internal/proto"
)

// attachControlChannel opens the control channel on pc with the configured
// reliability profile and wires its callbacks into the transport.
func (t *Transport) attachControlChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	init := &webrtc.DataChannelInit{
		Ordered:        t.cfg.DataChannel.Ordered,
		MaxRetransmits: t.cfg.DataChannel.MaxRetransmits,
	}

	dc, err := pc.CreateDataChannel(t.cfg.DataChannel.Label, init)
	if err != nil {
		return nil, errors.Wrap(err, "creating data channel")
	}
	t.wireControlChannel(dc)

	return dc, nil
}

func (t *Transport) wireControlChannel(dc *webrtc.DataChannel) {
	label := dc.Label()

	dc.OnOpen(func() {
		t.logger.Info("data channel open", "label", label)
		t.channelHub.Publish(ChannelStateChange{Label: label, State: "open", At: time.Now()})
		// flush onto the channel this callback belongs to; the registry
		// may not have been updated yet while establish is in flight
		t.flushFallbackOn(dc)
	})

	dc.OnClose(func() {
		t.logger.Info("data channel closed", "label", label)
		t.channelHub.Publish(ChannelStateChange{Label: label, State: "closed", At: time.Now()})
	})

	dc.OnError(func(err error) {
		if t.isClosed() {
			return
		}
		t.logger.Error(err, "data channel error", "label", label)
		t.emitError(NewTransportErrorWithCode(ErrorCodeDataChannelFailed, err))
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.handleChannelMessage(msg)
	})
}

// handleChannelMessage decodes one wire event and fans it out to
// subscribers. Undecodable payloads are dropped, not fatal.
func (t *Transport) handleChannelMessage(msg webrtc.DataChannelMessage) {
	ev, err := proto.DecodeServerEvent(msg.Data)
	if err != nil {
		t.logger.Error(err, "dropping undecodable channel message", "bytes", len(msg.Data))
		return
	}

	t.metrics.RecordMessageReceived()
	if ev.Type == proto.ServerEventError && ev.Error != nil {
		t.logger.Info("server reported error", "code", ev.Error.Code, "message", ev.Error.Message)
	}

	t.messageHub.Publish(ev)
}
