// Package roster keeps the per-platform cache of joined channels and the
// users seen in them. The cache is advisory: it is rebuilt on reconnect and
// never persisted.
package roster

import (
	"strconv"
	"strings"
	"sync"

	"github.com/narrensicher/rshome/pkg/rshome/naming"
)

// fallbackName is used when a display name sanitizes to an empty token.
const fallbackName = "user"

// ChannelUser is a user as seen in one channel. CanonicalName is derived once
// from DisplayName and never recomputed.
type ChannelUser struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	CanonicalName string `json:"canonical_name"`
}

// JoinedChannel is a channel the bot has observed, with its append-only roster.
type JoinedChannel struct {
	ID    string
	Label string

	mu    sync.RWMutex
	users []ChannelUser
}

// NewJoinedChannel creates an empty channel entry.
func NewJoinedChannel(id, label string) *JoinedChannel {
	return &JoinedChannel{ID: id, Label: label}
}

// GetUser looks a user up by platform id. Rosters are small, a linear scan is fine.
func (c *JoinedChannel) GetUser(userID string) (ChannelUser, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, u := range c.users {
		if u.ID == userID {
			return u, true
		}
	}
	return ChannelUser{}, false
}

// FindByCanonical looks a user up by canonical name, ignoring case.
func (c *JoinedChannel) FindByCanonical(name string) (ChannelUser, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, u := range c.users {
		if strings.EqualFold(u.CanonicalName, name) {
			return u, true
		}
	}
	return ChannelUser{}, false
}

// AddUser appends a user and returns the stored entry. If the id is already
// known the existing entry is returned unchanged. A canonical name already
// taken by another user gets the first free numeric suffix (_2, _3, ...).
func (c *JoinedChannel) AddUser(userID, displayName string) ChannelUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.users {
		if u.ID == userID {
			return u
		}
	}

	base := naming.Sanitize(displayName)
	if base == "" {
		base = fallbackName
	}
	user := ChannelUser{
		ID:            userID,
		DisplayName:   displayName,
		CanonicalName: c.disambiguateLocked(base),
	}
	c.users = append(c.users, user)
	return user
}

// Users returns a copy of the roster in insertion order.
func (c *JoinedChannel) Users() []ChannelUser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ChannelUser, len(c.users))
	copy(out, c.users)
	return out
}

// Len returns the number of users in the roster.
func (c *JoinedChannel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.users)
}

func (c *JoinedChannel) disambiguateLocked(base string) string {
	if !c.takenLocked(base) {
		return base
	}
	for n := 2; ; n++ {
		suffix := "_" + strconv.Itoa(n)
		stem := base
		if len(stem)+len(suffix) > naming.MaxLength {
			stem = stem[:naming.MaxLength-len(suffix)]
		}
		candidate := stem + suffix
		if !c.takenLocked(candidate) {
			return candidate
		}
	}
}

func (c *JoinedChannel) takenLocked(name string) bool {
	for _, u := range c.users {
		if strings.EqualFold(u.CanonicalName, name) {
			return true
		}
	}
	return false
}

// Cache is the ordered set of channels known to one platform worker.
type Cache struct {
	mu       sync.RWMutex
	channels []*JoinedChannel
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{}
}

// GetOrCreateChannel returns the channel with the given id, appending a new
// entry if none exists. The label of an existing entry is kept.
func (c *Cache) GetOrCreateChannel(id, label string) *JoinedChannel {
	if ch, ok := c.Channel(id); ok {
		return ch
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		if ch.ID == id {
			return ch
		}
	}
	ch := NewJoinedChannel(id, label)
	c.channels = append(c.channels, ch)
	return ch
}

// Channel returns the channel with the given id.
func (c *Cache) Channel(id string) (*JoinedChannel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return nil, false
}

// Replace swaps the whole channel set, used after a full resync.
func (c *Cache) Replace(channels []*JoinedChannel) {
	next := make([]*JoinedChannel, len(channels))
	copy(next, channels)
	c.mu.Lock()
	c.channels = next
	c.mu.Unlock()
}

// Len returns the number of known channels.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.channels)
}

// ChannelSnapshot is a read-only copy of one channel and its roster.
type ChannelSnapshot struct {
	ID    string        `json:"id"`
	Label string        `json:"label"`
	Users []ChannelUser `json:"users"`
}

// Snapshot returns copies of all channels in insertion order.
func (c *Cache) Snapshot() []ChannelSnapshot {
	c.mu.RLock()
	channels := make([]*JoinedChannel, len(c.channels))
	copy(channels, c.channels)
	c.mu.RUnlock()

	out := make([]ChannelSnapshot, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ChannelSnapshot{ID: ch.ID, Label: ch.Label, Users: ch.Users()})
	}
	return out
}
