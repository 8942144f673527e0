package rtc

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/PlagueHO/voicepilot-realtime/internal/config"
)

// negotiator exchanges SDP with the realtime endpoint over HTTPS. The
// endpoint answers a plain POST carrying the offer; there is no trickle
// ICE and no further signalling after the answer arrives.
type negotiator struct {
	endpoint   config.EndpointConfig
	httpClient *http.Client
	logger     logr.Logger
}

func newNegotiator(endpoint config.EndpointConfig, timeout time.Duration, logger logr.Logger) *negotiator {
	return &negotiator{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// exchange posts the local offer and returns the remote answer SDP.
func (n *negotiator) exchange(ctx context.Context, offerSDP, token string) (answerSDP string, err error) {
	url := n.endpoint.OfferURL()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offerSDP))
	if err != nil {
		return "", errors.Wrap(err, "building negotiation request")
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+token)

	n.logger.V(1).Info("posting sdp offer", "url", url, "offerBytes", len(offerSDP))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "negotiation request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "reading negotiation answer")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", errors.Errorf("negotiation rejected: unauthorized (%d)", resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", errors.Errorf("negotiation failed (%d): %s", resp.StatusCode, trimBody(body))
	}

	answerSDP = string(body)
	if !strings.HasPrefix(answerSDP, "v=") {
		return "", errors.Errorf("negotiation returned no sdp answer (%d)", resp.StatusCode)
	}

	n.logger.V(1).Info("received sdp answer", "answerBytes", len(answerSDP))

	return answerSDP, nil
}

func trimBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty body"
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
