package chmux

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// TokenProvider returns a connection token. It is consulted on every connect
// attempt and before the token expires, so it may hand out a refreshed token.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context) (string, error)

func (f TokenProviderFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken is a TokenProvider that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// tokenSource collapses concurrent token requests into one provider call.
type tokenSource struct {
	provider TokenProvider
	group    singleflight.Group
}

func (s *tokenSource) token(ctx context.Context) (string, error) {
	if s.provider == nil {
		return "", nil
	}
	v, err, _ := s.group.Do("token", func() (any, error) {
		return s.provider.Token(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
