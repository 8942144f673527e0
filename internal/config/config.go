package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config is the daemon configuration. Values come from the defaults below,
// overridden by a YAML/JSON file and VOICEPILOT_* environment variables.
type Config struct {
	HTTP       HTTPConfig       `json:"http,omitempty"`
	KeyService KeyServiceConfig `json:"keyService,omitempty"`
	Connection ConnectionConfig `json:"connection,omitempty"`
}

type HTTPConfig struct {
	ListenIp       string   `json:"listenIP,omitempty"`
	ListenPort     uint16   `json:"listenPort,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// KeyServiceConfig points at the ephemeral key endpoint that mints
// short lived session credentials.
type KeyServiceConfig struct {
	URL     string        `json:"url,omitempty"`
	APIKey  string        `json:"apiKey,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ConnectionConfig is everything a single realtime connection needs:
// where to connect, what session to ask for, how to move audio and control
// messages, and how hard to fight to stay connected.
type ConnectionConfig struct {
	Endpoint    EndpointConfig    `json:"endpoint,omitempty"`
	Session     SessionConfig     `json:"session,omitempty"`
	Audio       AudioConfig       `json:"audio,omitempty"`
	DataChannel DataChannelConfig `json:"dataChannel,omitempty"`
	Policy      ConnectionPolicy  `json:"policy,omitempty"`
	ICEServers  []ICEServerConfig `json:"iceServers,omitempty"`
}

type EndpointConfig struct {
	Region string `json:"region,omitempty"`

	// BaseURL overrides the regional default
	// (https://<region>.realtimeapi-preview.ai.azure.com).
	BaseURL    string `json:"baseUrl,omitempty"`
	Deployment string `json:"deployment,omitempty"`
	APIVersion string `json:"apiVersion,omitempty"`
}

// SupportedRegions lists the regions the realtime endpoint is deployed in.
var SupportedRegions = []string{"eastus2", "swedencentral"}

func RegionSupported(region string) bool {
	for _, r := range SupportedRegions {
		if r == region {
			return true
		}
	}
	return false
}

// OfferURL builds the SDP negotiation URL for the endpoint.
func (e EndpointConfig) OfferURL() string {
	base := e.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s.realtimeapi-preview.ai.azure.com", e.Region)
	}

	q := url.Values{}
	if e.Deployment != "" {
		q.Set("model", e.Deployment)
	}
	if e.APIVersion != "" {
		q.Set("api-version", e.APIVersion)
	}
	if len(q) == 0 {
		return base + "/v1/realtimertc"
	}
	return base + "/v1/realtimertc?" + q.Encode()
}

type SessionConfig struct {
	Voice             string              `json:"voice,omitempty"`
	Locale            string              `json:"locale,omitempty"`
	Instructions      string              `json:"instructions,omitempty"`
	InputAudioFormat  string              `json:"inputAudioFormat,omitempty"`
	OutputAudioFormat string              `json:"outputAudioFormat,omitempty"`
	TurnDetection     TurnDetectionConfig `json:"turnDetection,omitempty"`
}

type TurnDetectionConfig struct {
	// Type is one of "server_vad", "semantic_vad" or "none".
	Type            string        `json:"type,omitempty"`
	Threshold       float64       `json:"threshold,omitempty"`
	PrefixPadding   time.Duration `json:"prefixPadding,omitempty"`
	SilenceDuration time.Duration `json:"silenceDuration,omitempty"`
	CreateResponse  *bool         `json:"createResponse,omitempty"`
}

type AudioConfig struct {
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	DeviceId   string `json:"deviceId,omitempty"`

	// FrameDuration is the pacing of samples written to the local track.
	FrameDuration    time.Duration `json:"frameDuration,omitempty"`
	EchoCancellation *bool         `json:"echoCancellation,omitempty"`
	NoiseSuppression *bool         `json:"noiseSuppression,omitempty"`
}

type DataChannelConfig struct {
	Label   string `json:"label,omitempty"`
	Ordered *bool  `json:"ordered,omitempty"`

	// MaxRetransmits caps retransmission for partially reliable delivery.
	// nil keeps the channel fully reliable.
	MaxRetransmits *uint16 `json:"maxRetransmits,omitempty"`
}

// ConnectionPolicy bounds connection establishment, repair and
// housekeeping. Multiplier and BaseDelay feed the recovery backoff
// delay = BaseDelay * Multiplier^(attempt-1).
type ConnectionPolicy struct {
	MaxAttempts      int           `json:"maxAttempts,omitempty"`
	BaseDelay        time.Duration `json:"baseDelay,omitempty"`
	Multiplier       float64       `json:"multiplier,omitempty"`
	Jitter           float64       `json:"jitter,omitempty"`
	ConnectTimeout   time.Duration `json:"connectTimeout,omitempty"`
	StatsInterval    time.Duration `json:"statsInterval,omitempty"`
	QueueCapacity    int           `json:"queueCapacity,omitempty"`
	TokenRefreshLead time.Duration `json:"tokenRefreshLead,omitempty"`
}

type ICEServerConfig struct {
	URLs       []string `json:"urls,omitempty"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Default returns a fresh copy of the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			ListenIp:   "0.0.0.0",
			ListenPort: 8085,
		},
		KeyService: KeyServiceConfig{
			Timeout: 5 * time.Second,
		},
		Connection: ConnectionConfig{
			Endpoint: EndpointConfig{
				Region:     "eastus2",
				Deployment: "gpt-4o-realtime-preview",
				APIVersion: "2025-04-01-preview",
			},
			Session: SessionConfig{
				Voice:             "alloy",
				Locale:            "en-US",
				InputAudioFormat:  "pcm16",
				OutputAudioFormat: "pcm16",
				TurnDetection: TurnDetectionConfig{
					Type:            "server_vad",
					Threshold:       0.5,
					PrefixPadding:   300 * time.Millisecond,
					SilenceDuration: 500 * time.Millisecond,
					CreateResponse:  NewBool(true),
				},
			},
			Audio: AudioConfig{
				SampleRate:       24000,
				Channels:         1,
				FrameDuration:    20 * time.Millisecond,
				EchoCancellation: NewBool(true),
				NoiseSuppression: NewBool(true),
			},
			DataChannel: DataChannelConfig{
				Label:   "realtime-channel",
				Ordered: NewBool(true),
			},
			Policy: ConnectionPolicy{
				MaxAttempts:      5,
				BaseDelay:        time.Second,
				Multiplier:       2.0,
				Jitter:           0,
				ConnectTimeout:   10 * time.Second,
				StatsInterval:    5 * time.Second,
				QueueCapacity:    50,
				TokenRefreshLead: 30 * time.Second,
			},
			ICEServers: []ICEServerConfig{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
	}
}
