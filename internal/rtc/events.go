package rtc

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// StateChange reports one connection state transition.
type StateChange struct {
	Previous ConnectionState `json:"previous"`
	Current  ConnectionState `json:"current"`
	At       time.Time       `json:"at"`
}

// QualityChange reports a change of the derived connection quality.
type QualityChange struct {
	Previous ConnectionQuality `json:"previous"`
	Current  ConnectionQuality `json:"current"`
	At       time.Time         `json:"at"`
}

// FallbackState reports the fallback queue turning active or draining.
type FallbackState struct {
	Active bool      `json:"active"`
	Queued int       `json:"queued"`
	At     time.Time `json:"at"`
}

// ChannelStateChange reports the control data channel state.
type ChannelStateChange struct {
	Label string    `json:"label"`
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// TrackEvent reports a local audio track being attached or removed.
type TrackEvent struct {
	TrackId string    `json:"trackId"`
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
}

type RecoveryPhase string

const (
	RecoveryPhaseAttempt   RecoveryPhase = "attempt"
	RecoveryPhaseSucceeded RecoveryPhase = "succeeded"
	RecoveryPhaseFailed    RecoveryPhase = "failed"
)

// RecoveryEvent is the telemetry stream of a recovery cycle: one attempt
// event per try, then exactly one succeeded or failed event, unless the
// cycle is cancelled mid-flight.
type RecoveryEvent struct {
	Phase    RecoveryPhase    `json:"phase"`
	Strategy RecoveryStrategy `json:"strategy"`
	Attempt  int              `json:"attempt,omitempty"`
	Delay    time.Duration    `json:"delay,omitempty"`
	Elapsed  time.Duration    `json:"elapsed,omitempty"`
	Err      *TransportError  `json:"error,omitempty"`
	At       time.Time        `json:"at"`
}

// ConnectionResult is returned by EstablishConnection.
type ConnectionResult struct {
	ConnectionId  string    `json:"connectionId"`
	LocalTrackId  string    `json:"localTrackId,omitempty"`
	EstablishedAt time.Time `json:"establishedAt"`
}

// RemoteTrack carries an inbound media track surfaced by the peer
// connection, typically the synthesized voice stream.
type RemoteTrack struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}
