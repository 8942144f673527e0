package auth

import (
	"context"
	"time"
)

// Credentials is a short lived bearer token for one realtime session.
type Credentials struct {
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Region    string    `json:"region,omitempty"`
	SessionId string    `json:"sessionId,omitempty"`
}

func (c Credentials) Valid(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt)
}

func (c Credentials) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !now.Add(d).Before(c.ExpiresAt)
}

// TokenProvider mints credentials. Implementations must be safe for
// concurrent use.
type TokenProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// TokenFunc adapts a function to the TokenProvider interface.
type TokenFunc func(ctx context.Context) (Credentials, error)

func (f TokenFunc) Credentials(ctx context.Context) (Credentials, error) {
	return f(ctx)
}
