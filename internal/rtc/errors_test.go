package rtc

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ErrorCodeUnknown},
		{"unauthorized", errors.New("negotiation rejected: unauthorized (401)"), ErrorCodeAuthenticationFailed},
		{"forbidden status", errors.New("server said 403 forbidden"), ErrorCodeAuthenticationFailed},
		{"expired token", errors.New("token has expired"), ErrorCodeAuthenticationFailed},
		{"api key", errors.New("invalid api key"), ErrorCodeAuthenticationFailed},
		{"region", errors.New(`region "westus" is not supported`), ErrorCodeRegionNotSupported},
		{"configuration", errors.New("configuration invalid: audio sample rate must be positive"), ErrorCodeConfigurationInvalid},
		{"timed out", errors.New("timed out waiting for peer connection"), ErrorCodeNetworkTimeout},
		{"deadline sentinel", context.DeadlineExceeded, ErrorCodeNetworkTimeout},
		{"wrapped deadline", errors.Wrap(context.DeadlineExceeded, "negotiation request"), ErrorCodeNetworkTimeout},
		{"client timeout", errors.New("Post \"https://x\": (Client.Timeout exceeded while awaiting headers)"), ErrorCodeNetworkTimeout},
		{"data channel", errors.New("data channel error: stream closed"), ErrorCodeDataChannelFailed},
		{"sctp", errors.New("sctp association lost"), ErrorCodeDataChannelFailed},
		{"ice failed", errors.New("ice connection failed"), ErrorCodeICEConnectionFailed},
		{"dtls", errors.New("dtls handshake aborted"), ErrorCodeICEConnectionFailed},
		{"negotiation status", errors.New("negotiation failed (503): upstream unavailable"), ErrorCodeICEConnectionFailed},
		{"refused", errors.New("dial tcp: connection refused"), ErrorCodeICEConnectionFailed},
		{"audio track", errors.New("audio track rejected by peer"), ErrorCodeAudioTrackFailed},
		{"microphone", errors.New("microphone busy"), ErrorCodeAudioTrackFailed},
		{"garbage", errors.New("%!w(MISSING) gibberish 0xdeadbeef"), ErrorCodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyPrefersExistingTransportError(t *testing.T) {
	inner := newTransportErrorf(ErrorCodeAudioTrackFailed, "sender gone")
	wrapped := errors.Wrap(inner, "renegotiating after device switch")

	// the wrapper text alone would classify as an ice failure; the
	// embedded code must win
	assert.Equal(t, ErrorCodeAudioTrackFailed, Classify(wrapped))
}

func TestRecoverableByDefault(t *testing.T) {
	recoverable := []ErrorCode{
		ErrorCodeAudioTrackFailed,
		ErrorCodeDataChannelFailed,
		ErrorCodeICEConnectionFailed,
		ErrorCodeNetworkTimeout,
		ErrorCodeUnknown,
	}
	for _, code := range recoverable {
		assert.True(t, RecoverableByDefault(code), string(code))
	}

	fatal := []ErrorCode{
		ErrorCodeAuthenticationFailed,
		ErrorCodeConfigurationInvalid,
		ErrorCodeRegionNotSupported,
	}
	for _, code := range fatal {
		assert.False(t, RecoverableByDefault(code), string(code))
	}
}

func TestNewTransportError(t *testing.T) {
	cause := errors.New("ice connection failed while sending")
	terr := NewTransportError(cause)

	require.NotNil(t, terr)
	assert.Equal(t, ErrorCodeICEConnectionFailed, terr.Code)
	assert.True(t, terr.Recoverable)
	assert.False(t, terr.At.IsZero())
	assert.True(t, errors.Is(terr, cause))
	assert.Equal(t, "ice_connection_failed: ice connection failed while sending", terr.Error())
}

func TestNewTransportErrorIsIdempotent(t *testing.T) {
	original := newTransportErrorf(ErrorCodeNetworkTimeout, "no answer in time")

	again := NewTransportError(original)
	assert.Same(t, original, again)

	viaWrap := NewTransportError(errors.Wrap(original, "establishing"))
	assert.Same(t, original, viaWrap)
}

func TestNewTransportErrorWithCodeBypassesClassification(t *testing.T) {
	terr := NewTransportErrorWithCode(ErrorCodeConfigurationInvalid, errors.New("listen port"))

	assert.Equal(t, ErrorCodeConfigurationInvalid, terr.Code)
	assert.False(t, terr.Recoverable)
}
