package rtc

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// ConnectionQuality is derived from sampled loss and round trip time.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
	QualityUnknown   ConnectionQuality = "unknown"
)

// Statistics is an immutable connection snapshot. Values never change
// after the snapshot is returned; callers get a fresh one per sample.
type Statistics struct {
	PacketsSent     uint32            `json:"packetsSent"`
	PacketsReceived uint32            `json:"packetsReceived"`
	PacketsLost     int32             `json:"packetsLost"`
	BytesSent       uint64            `json:"bytesSent"`
	BytesReceived   uint64            `json:"bytesReceived"`
	RoundTripTime   time.Duration     `json:"roundTripTime"`
	Jitter          time.Duration     `json:"jitter"`
	PacketLossPct   float64           `json:"packetLossPct"`
	DataChannel     string            `json:"dataChannelState"`
	ICEState        string            `json:"iceState"`
	ConnectionState ConnectionState   `json:"connectionState"`
	Quality         ConnectionQuality `json:"quality"`
	SampledAt       time.Time         `json:"sampledAt"`
}

// qualityFor buckets loss percentage and RTT into the quality enum.
func qualityFor(lossPct float64, rtt time.Duration) ConnectionQuality {
	switch {
	case lossPct < 1 && rtt < 150*time.Millisecond:
		return QualityExcellent
	case lossPct < 3 && rtt < 300*time.Millisecond:
		return QualityGood
	case lossPct < 8 && rtt < 500*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}

// statsFromReport folds a pion stats report into a snapshot. Audio RTP
// streams are summed, the nominated candidate pair supplies the RTT.
func statsFromReport(report webrtc.StatsReport) Statistics {
	s := Statistics{SampledAt: time.Now()}

	for _, stat := range report {
		switch v := stat.(type) {
		case webrtc.InboundRTPStreamStats:
			s.PacketsReceived += v.PacketsReceived
			s.PacketsLost += v.PacketsLost
			s.BytesReceived += v.BytesReceived
			if j := time.Duration(v.Jitter * float64(time.Second)); j > s.Jitter {
				s.Jitter = j
			}
		case webrtc.OutboundRTPStreamStats:
			s.PacketsSent += v.PacketsSent
			s.BytesSent += v.BytesSent
		case webrtc.ICECandidatePairStats:
			if v.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			rtt := time.Duration(v.CurrentRoundTripTime * float64(time.Second))
			if v.Nominated || s.RoundTripTime == 0 {
				s.RoundTripTime = rtt
			}
		}
	}

	lost := s.PacketsLost
	if lost < 0 {
		lost = 0
	}
	if total := uint64(s.PacketsReceived) + uint64(lost); total > 0 {
		s.PacketLossPct = float64(lost) / float64(total) * 100
	}

	if s.RoundTripTime == 0 && s.PacketsReceived == 0 && s.PacketsSent == 0 {
		s.Quality = QualityUnknown
	} else {
		s.Quality = qualityFor(s.PacketLossPct, s.RoundTripTime)
	}

	return s
}
