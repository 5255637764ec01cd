// Package credentials provides the bearer token of the web session and keeps
// it in memory for a short while.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"
	"webchat-export/internal/components/assert"
	"webchat-export/internal/components/chrono"

	"golang.org/x/oauth2"
)

const DefaultTTL = 10 * time.Minute

// contextSource is implemented by token sources that can be cancelled.
type contextSource interface {
	TokenContext(ctx context.Context) (*oauth2.Token, error)
}

// Cache reuses a token until its ttl or its own expiry passes, whichever
// comes first.
type Cache struct {
	source oauth2.TokenSource
	ttl    time.Duration
	clock  chrono.API

	mutex     sync.Mutex
	token     *oauth2.Token
	expiresAt time.Time
}

func NewCache(source oauth2.TokenSource, ttl time.Duration, clock chrono.API) *Cache {
	assert.NotNil(source)
	assert.NotNil(clock)
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{source: source, ttl: ttl, clock: clock}
}

func (c *Cache) AccessToken(ctx context.Context) (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.clock.Now()
	if c.token != nil && now.Before(c.expiresAt) {
		return c.token.AccessToken, nil
	}

	var token *oauth2.Token
	var err error
	withContext, ok := c.source.(contextSource)
	if ok {
		token, err = withContext.TokenContext(ctx)
	} else {
		token, err = c.source.Token()
	}
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	if token == nil || token.AccessToken == "" {
		return "", fmt.Errorf("fetch access token: %w", ErrNoSession)
	}

	expiresAt := now.Add(c.ttl)
	if !token.Expiry.IsZero() && token.Expiry.Before(expiresAt) {
		expiresAt = token.Expiry
	}
	c.token = token
	c.expiresAt = expiresAt
	return token.AccessToken, nil
}

// Clear forgets the cached token.
func (c *Cache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.token = nil
	c.expiresAt = time.Time{}
}
