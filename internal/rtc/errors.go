package rtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode is the closed taxonomy of transport failures. Every error the
// engine raises or observes is classified into exactly one code before any
// handling decision is made.
type ErrorCode string

const (
	ErrorCodeAuthenticationFailed ErrorCode = "authentication_failed"
	ErrorCodeAudioTrackFailed     ErrorCode = "audio_track_failed"
	ErrorCodeDataChannelFailed    ErrorCode = "data_channel_failed"
	ErrorCodeICEConnectionFailed  ErrorCode = "ice_connection_failed"
	ErrorCodeNetworkTimeout       ErrorCode = "network_timeout"
	ErrorCodeRegionNotSupported   ErrorCode = "region_not_supported"
	ErrorCodeConfigurationInvalid ErrorCode = "configuration_invalid"
	ErrorCodeUnknown              ErrorCode = "unknown"
)

// RecoverableByDefault is the fixed per-code recoverability table.
// Authentication and configuration class failures are never retried;
// everything else, unknown included, is handed to recovery.
func RecoverableByDefault(code ErrorCode) bool {
	switch code {
	case ErrorCodeAuthenticationFailed, ErrorCodeConfigurationInvalid, ErrorCodeRegionNotSupported:
		return false
	}
	return true
}

// TransportError is an immutable classified failure.
type TransportError struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Cause       error     `json:"-"`
	At          time.Time `json:"at"`
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// classification patterns, checked in order; the first match wins. The
// authentication and configuration classes come first so a message like
// "key service rejected" never falls through to a connectivity class.
var classifiers = []struct {
	code     ErrorCode
	patterns []string
}{
	// "(401" not "401": a bare status number would also match ephemeral
	// ports inside urls quoted by dial errors
	{ErrorCodeAuthenticationFailed, []string{
		"unauthorized", "forbidden", "(401", "(403", "auth", "token", "credential", "api key",
	}},
	{ErrorCodeRegionNotSupported, []string{
		"region",
	}},
	{ErrorCodeConfigurationInvalid, []string{
		"configuration", "config", "deployment must", "missing required",
	}},
	{ErrorCodeNetworkTimeout, []string{
		"timeout", "timed out", "deadline",
	}},
	{ErrorCodeDataChannelFailed, []string{
		"data channel", "datachannel", "sctp",
	}},
	{ErrorCodeICEConnectionFailed, []string{
		"ice connection", "ice gathering", "ice failed", "stun", "turn:", "candidate",
		"dtls", "sdp", "negotiat", "connection refused", "connection reset",
	}},
	{ErrorCodeAudioTrackFailed, []string{
		"audio track", "track", "microphone", "audio device", "sample",
	}},
}

// Classify maps an arbitrary error onto the taxonomy. It is pure and
// side effect free; anything unrecognized is Unknown.
func Classify(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}

	var terr *TransportError
	if errors.As(err, &terr) {
		return terr.Code
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeNetworkTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, c := range classifiers {
		for _, p := range c.patterns {
			if strings.Contains(msg, p) {
				return c.code
			}
		}
	}

	return ErrorCodeUnknown
}

// NewTransportError classifies err and wraps it. Passing an error that is
// already a TransportError returns it unchanged.
func NewTransportError(err error) *TransportError {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr
	}

	code := Classify(err)

	return &TransportError{
		Code:        code,
		Message:     err.Error(),
		Recoverable: RecoverableByDefault(code),
		Cause:       err,
		At:          time.Now(),
	}
}

// NewTransportErrorWithCode wraps err under a known code, bypassing
// message classification.
func NewTransportErrorWithCode(code ErrorCode, err error) *TransportError {
	return &TransportError{
		Code:        code,
		Message:     err.Error(),
		Recoverable: RecoverableByDefault(code),
		Cause:       err,
		At:          time.Now(),
	}
}

func newTransportErrorf(code ErrorCode, format string, args ...interface{}) *TransportError {
	return &TransportError{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: RecoverableByDefault(code),
		At:          time.Now(),
	}
}
