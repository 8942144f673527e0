package rtc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PlagueHO/voicepilot-realtime/internal/config"
)

const answerSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func testNegotiator(serverURL string) *negotiator {
	endpoint := config.EndpointConfig{
		BaseURL:    serverURL,
		Region:     "eastus2",
		Deployment: "gpt-4o-realtime-preview",
		APIVersion: "2025-04-01-preview",
	}
	return newNegotiator(endpoint, 2*time.Second, logr.Discard())
}

func TestExchangeReturnsAnswer(t *testing.T) {
	var gotBody string
	var gotContentType, gotAuth, gotModel string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		gotModel = r.URL.Query().Get("model")
		w.Write([]byte(answerSDP))
	}))
	defer server.Close()

	n := testNegotiator(server.URL)
	answer, err := n.exchange(context.Background(), "v=0\r\noffer", "ek_test123")

	require.NoError(t, err)
	assert.Equal(t, answerSDP, answer)
	assert.Equal(t, "v=0\r\noffer", gotBody)
	assert.Equal(t, "application/sdp", gotContentType)
	assert.Equal(t, "Bearer ek_test123", gotAuth)
	assert.Equal(t, "gpt-4o-realtime-preview", gotModel)
}

func TestExchangeUnauthorizedClassifiesAsAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	n := testNegotiator(server.URL)
	_, err := n.exchange(context.Background(), "v=0", "expired")

	require.Error(t, err)
	assert.Equal(t, ErrorCodeAuthenticationFailed, Classify(err))
}

func TestExchangeServerErrorStaysRecoverable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	n := testNegotiator(server.URL)
	_, err := n.exchange(context.Background(), "v=0", "ek_test123")

	require.Error(t, err)
	terr := NewTransportError(err)
	assert.Equal(t, ErrorCodeICEConnectionFailed, terr.Code)
	assert.True(t, terr.Recoverable)
	assert.Contains(t, err.Error(), "503")
}

func TestExchangeRejectsNonSDPBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"answer":"not sdp"}`))
	}))
	defer server.Close()

	n := testNegotiator(server.URL)
	_, err := n.exchange(context.Background(), "v=0", "ek_test123")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sdp answer")
}

func TestExchangeTimeoutClassifies(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	endpoint := config.EndpointConfig{BaseURL: server.URL}
	n := newNegotiator(endpoint, 50*time.Millisecond, logr.Discard())

	_, err := n.exchange(context.Background(), "v=0", "ek_test123")

	require.Error(t, err)
	assert.Equal(t, ErrorCodeNetworkTimeout, Classify(err))
}

func TestExchangeHonorsContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	n := testNegotiator(server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := n.exchange(ctx, "v=0", "ek_test123")

	require.Error(t, err)
	assert.Equal(t, ErrorCodeNetworkTimeout, Classify(err))
}
