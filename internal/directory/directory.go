// Package directory keeps the local mirror of direct-chat peers and groups.
package directory

import (
	"sort"
	"strings"
	"sync"

	"github.com/omochice/toy-messenger/internal/chat"
)

// Unknown is the display name returned for ids not cached yet.
const Unknown = "unknown"

// Display is what a renderer needs to label a conversation.
type Display struct {
	Name   string
	Avatar string
	Known  bool
}

// Cache holds peers and groups. Pulls replace it wholesale; status events patch
// single peers.
type Cache struct {
	mu     sync.RWMutex
	peers  map[int64]chat.Peer
	groups map[int64]chat.Group
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		peers:  make(map[int64]chat.Peer),
		groups: make(map[int64]chat.Group),
	}
}

// ReplacePeers replaces every cached peer.
func (c *Cache) ReplacePeers(peers []chat.Peer) {
	next := make(map[int64]chat.Peer, len(peers))
	for _, p := range peers {
		next[p.ID] = p
	}
	c.mu.Lock()
	c.peers = next
	c.mu.Unlock()
}

// ReplaceGroups replaces every cached group.
func (c *Cache) ReplaceGroups(groups []chat.Group) {
	next := make(map[int64]chat.Group, len(groups))
	for _, g := range groups {
		next[g.ID] = g
	}
	c.mu.Lock()
	c.groups = next
	c.mu.Unlock()
}

// AddGroup inserts or replaces one group, e.g. right after creating it.
func (c *Cache) AddGroup(g chat.Group) {
	c.mu.Lock()
	c.groups[g.ID] = g
	c.mu.Unlock()
}

// AddPeer caches p unless a peer with its id is already cached. It reports
// whether p was inserted.
func (c *Cache) AddPeer(p chat.Peer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.peers[p.ID]; ok {
		return false
	}
	c.peers[p.ID] = p
	return true
}

// ApplyStatus sets the online flag of peer userID. It reports whether the peer
// is cached; unknown peers are left alone.
func (c *Cache) ApplyStatus(userID int64, online bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[userID]
	if !ok {
		return false
	}
	p.IsOnline = online
	c.peers[userID] = p
	return true
}

// Peer returns the cached peer with id.
func (c *Cache) Peer(id int64) (chat.Peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[id]
	return p, ok
}

// Group returns the cached group with id.
func (c *Cache) Group(id int64) (chat.Group, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[id]
	return g, ok
}

// IsMember reports whether userID is a cached member of groupID.
func (c *Cache) IsMember(groupID, userID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[groupID]
	return ok && g.MemberIDs[userID]
}

// Peers returns the peers sorted by username.
func (c *Cache) Peers() []chat.Peer {
	c.mu.RLock()
	out := make([]chat.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username == out[j].Username {
			return out[i].ID < out[j].ID
		}
		return out[i].Username < out[j].Username
	})
	return out
}

// Groups returns the groups sorted by name.
func (c *Cache) Groups() []chat.Group {
	c.mu.RLock()
	out := make([]chat.Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Filter returns the peers and groups whose name contains query, ignoring case.
func (c *Cache) Filter(query string) ([]chat.Peer, []chat.Group) {
	q := strings.ToLower(strings.TrimSpace(query))
	var peers []chat.Peer
	for _, p := range c.Peers() {
		if strings.Contains(strings.ToLower(p.Username), q) {
			peers = append(peers, p)
		}
	}
	var groups []chat.Group
	for _, g := range c.Groups() {
		if strings.Contains(strings.ToLower(g.Name), q) {
			groups = append(groups, g)
		}
	}
	return peers, groups
}

// FindPeer looks a peer up by username.
func (c *Cache) FindPeer(username string) (chat.Peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.peers {
		if strings.EqualFold(p.Username, username) {
			return p, true
		}
	}
	return chat.Peer{}, false
}

// FindGroup looks a group up by name.
func (c *Cache) FindGroup(name string) (chat.Group, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, g := range c.groups {
		if strings.EqualFold(g.Name, name) {
			return g, true
		}
	}
	return chat.Group{}, false
}

// Resolve returns the display name and avatar of conv. Ids that are not cached
// yet resolve to Unknown instead of failing.
func (c *Cache) Resolve(conv chat.Conversation) Display {
	switch conv.Kind {
	case chat.KindDirect:
		if p, ok := c.Peer(conv.ID); ok {
			return Display{Name: p.Username, Avatar: p.Avatar, Known: true}
		}
	case chat.KindGroup:
		if g, ok := c.Group(conv.ID); ok {
			return Display{Name: g.Name, Avatar: g.Avatar, Known: true}
		}
	}
	return Display{Name: Unknown}
}

// Len returns the number of cached peers and groups.
func (c *Cache) Len() (peers, groups int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.peers), len(c.groups)
}
