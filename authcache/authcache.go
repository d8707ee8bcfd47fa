// Package authcache keeps the dashboard's bearer token and user record in
// the local (non-synced) store area, valid for 24 hours after sign-in.
package authcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/quietfeed/store"
)

// Local store keys. Each field lives under its own key.
const (
	KeyToken     = "quietfeed-auth-token"
	KeyUserData  = "quietfeed-user-data"
	KeyTimestamp = "quietfeed-auth-timestamp"
)

// TTL is how long a saved token stays valid.
const TTL = 24 * time.Hour

// Entry is the result of Read. Token and UserData are empty when the entry
// is not valid, even if stale values are still stored.
type Entry struct {
	Token    string          `json:"token"`
	UserData json.RawMessage `json:"userData"`
	IssuedAt time.Time       `json:"-"`
	IsValid  bool            `json:"isValid"`
}

// Cache reads and writes the auth fields.
type Cache struct {
	st  *store.Store
	now func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache over st's local area.
func New(st *store.Store, opts ...Option) *Cache {
	c := &Cache{st: st, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Save stores token, userData and the current time in one transaction.
// A nil userData is stored as JSON null.
func (c *Cache) Save(ctx context.Context, token string, userData json.RawMessage) error {
	if len(userData) == 0 {
		userData = json.RawMessage("null")
	}
	err := c.st.Set(ctx, store.AreaLocal, map[string]any{
		KeyToken:     token,
		KeyUserData:  userData,
		KeyTimestamp: c.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("authcache: save: %w", err)
	}
	return nil
}

// Read returns the cached entry. IsValid is true only when a token is present
// and was issued less than TTL ago.
func (c *Cache) Read(ctx context.Context) (Entry, error) {
	vals, err := c.st.Get(ctx, store.AreaLocal, KeyToken, KeyUserData, KeyTimestamp)
	if err != nil {
		return Entry{}, fmt.Errorf("authcache: read: %w", err)
	}

	var token string
	var issuedMs int64
	if raw, ok := vals[KeyToken]; ok {
		if err := json.Unmarshal(raw, &token); err != nil {
			return Entry{}, fmt.Errorf("authcache: decode token: %w", err)
		}
	}
	if raw, ok := vals[KeyTimestamp]; ok {
		if err := json.Unmarshal(raw, &issuedMs); err != nil {
			return Entry{}, fmt.Errorf("authcache: decode timestamp: %w", err)
		}
	}

	if token == "" || issuedMs == 0 {
		return Entry{}, nil
	}
	issued := time.UnixMilli(issuedMs)
	if c.now().Sub(issued) >= TTL {
		return Entry{IssuedAt: issued}, nil
	}

	e := Entry{Token: token, IssuedAt: issued, IsValid: true}
	if raw, ok := vals[KeyUserData]; ok && string(raw) != "null" {
		e.UserData = raw
	}
	return e, nil
}

// Clear removes all three fields in one transaction.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.st.Remove(ctx, store.AreaLocal, KeyToken, KeyUserData, KeyTimestamp); err != nil {
		return fmt.Errorf("authcache: clear: %w", err)
	}
	return nil
}
