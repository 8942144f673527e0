package config

import (
	"strings"

	"github.com/pkg/errors"
)

func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return errors.Wrap(err, "http")
	}
	if err := c.KeyService.Validate(); err != nil {
		return errors.Wrap(err, "keyService")
	}
	if err := c.Connection.Validate(); err != nil {
		return errors.Wrap(err, "connection")
	}
	return nil
}

func (h *HTTPConfig) Validate() error {
	if h.ListenPort == 0 {
		return errors.New("listenPort must be set")
	}
	return nil
}

func (k *KeyServiceConfig) Validate() error {
	if k.URL == "" {
		return errors.New("url must be set")
	}
	if !strings.HasPrefix(k.URL, "http://") && !strings.HasPrefix(k.URL, "https://") {
		return errors.Errorf("url %q must be http(s)", k.URL)
	}
	if k.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

func (c *ConnectionConfig) Validate() error {
	if err := c.Endpoint.Validate(); err != nil {
		return errors.Wrap(err, "endpoint")
	}
	if err := c.Audio.Validate(); err != nil {
		return errors.Wrap(err, "audio")
	}
	if err := c.DataChannel.Validate(); err != nil {
		return errors.Wrap(err, "dataChannel")
	}
	if err := c.Policy.Validate(); err != nil {
		return errors.Wrap(err, "policy")
	}
	return nil
}

func (e *EndpointConfig) Validate() error {
	if e.Region == "" {
		return errors.New("region must be set")
	}
	if e.Deployment == "" {
		return errors.New("deployment must be set")
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	if a.SampleRate <= 0 {
		return errors.New("sampleRate must be positive")
	}
	if a.Channels != 1 && a.Channels != 2 {
		return errors.Errorf("channels must be 1 or 2, got %d", a.Channels)
	}
	if a.FrameDuration <= 0 {
		return errors.New("frameDuration must be positive")
	}
	return nil
}

func (d *DataChannelConfig) Validate() error {
	if d.Label == "" {
		return errors.New("label must be set")
	}
	return nil
}

func (p *ConnectionPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("maxAttempts must be at least 1")
	}
	if p.BaseDelay <= 0 {
		return errors.New("baseDelay must be positive")
	}
	if p.Multiplier < 1 {
		return errors.Errorf("multiplier must be >= 1, got %v", p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return errors.Errorf("jitter must be within [0, 1], got %v", p.Jitter)
	}
	if p.ConnectTimeout <= 0 {
		return errors.New("connectTimeout must be positive")
	}
	if p.StatsInterval <= 0 {
		return errors.New("statsInterval must be positive")
	}
	if p.QueueCapacity < 1 {
		return errors.New("queueCapacity must be at least 1")
	}
	return nil
}
