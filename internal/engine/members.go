package engine

import "sync"

// MemberCache maps user ids to display names. Updates are last-writer-
// wins; collisions are benign since names only feed mention rendering.
type MemberCache struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewMemberCache() *MemberCache {
	return &MemberCache{names: make(map[string]string)}
}

// Learn records a display name for a user id. Empty values are ignored.
func (c *MemberCache) Learn(userID, displayName string) {
	if userID == "" || displayName == "" {
		return
	}
	c.mu.Lock()
	c.names[userID] = displayName
	c.mu.Unlock()
}

// Resolve implements mention.Resolver.
func (c *MemberCache) Resolve(userID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[userID]
	return name, ok
}

// NamesToIDs returns display name -> user id, used by the outbound
// mention mapping. When two ids share a name the winner is unspecified.
func (c *MemberCache) NamesToIDs() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.names))
	for id, name := range c.names {
		out[name] = id
	}
	return out
}

// Size returns the number of cached members.
func (c *MemberCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names)
}
