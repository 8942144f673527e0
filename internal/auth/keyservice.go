package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/PlagueHO/voicepilot-realtime/internal/config"
	"github.com/PlagueHO/voicepilot-realtime/internal/logging"
)

// KeyServiceClient fetches ephemeral session credentials from the
// deployment's key endpoint. The endpoint authenticates the caller with a
// static api-key and answers with a bearer token scoped to one session.
type KeyServiceClient struct {
	url        string
	apiKey     string
	httpClient http.Client
	logger     zerolog.Logger
}

func NewKeyServiceClient(cfg config.KeyServiceConfig) *KeyServiceClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &KeyServiceClient{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		httpClient: http.Client{
			Timeout: timeout,
		},
		logger: logging.NewLogger("auth"),
	}
}

type keyResponse struct {
	Id           string `json:"id,omitempty"`
	Region       string `json:"region,omitempty"`
	ClientSecret *struct {
		Value     string `json:"value,omitempty"`
		ExpiresAt int64  `json:"expires_at,omitempty"`
	} `json:"client_secret,omitempty"`
	Token     string `json:"token,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

func (c *KeyServiceClient) Credentials(ctx context.Context) (creds Credentials, err error) {
	c.logger.Debug().Msg("requesting ephemeral session key...")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader([]byte("{}")))
	if err != nil {
		err = errors.WithStack(err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = errors.Wrap(err, "key service request")
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		err = errors.WithStack(err)
		return
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		err = errors.Errorf("key service rejected credentials: unauthorized (%d)", resp.StatusCode)
		return
	}
	if resp.StatusCode >= 400 {
		var errResult struct {
			Error string
		}
		json.Unmarshal(data, &errResult)
		if errResult.Error == "" {
			errResult.Error = http.StatusText(resp.StatusCode)
		}

		err = errors.Errorf("key service error (%d): %s", resp.StatusCode, errResult.Error)
		return
	}

	var kr keyResponse
	if err = json.Unmarshal(data, &kr); err != nil {
		err = errors.Wrap(err, "key service response")
		return
	}

	creds = Credentials{
		Region:    kr.Region,
		SessionId: kr.Id,
	}
	if kr.ClientSecret != nil {
		creds.Token = kr.ClientSecret.Value
		creds.ExpiresAt = time.Unix(kr.ClientSecret.ExpiresAt, 0)
	} else {
		creds.Token = kr.Token
		creds.ExpiresAt = time.Unix(kr.ExpiresAt, 0)
	}

	if creds.Token == "" {
		err = errors.New("key service returned no token")
		return
	}

	c.logger.Debug().
		Str("session", creds.SessionId).
		Time("expiresAt", creds.ExpiresAt).
		Msg("ephemeral session key issued")

	return
}
