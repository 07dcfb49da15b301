package server

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/omochice/toy-messenger/pkg/protocol"
)

// httpError is a failure reported to the caller as {"detail": ...}.
type httpError struct {
	status int
	detail string
}

func (e *httpError) Error() string {
	return e.detail
}

var (
	errUsernameTaken = &httpError{http.StatusBadRequest, "Имя пользователя занято"}
	errEmailTaken    = &httpError{http.StatusBadRequest, "Email уже используется"}
	errNoSuchUser    = &httpError{http.StatusNotFound, "Пользователь не найден"}
	errNoSuchGroup   = &httpError{http.StatusNotFound, "Группа не найдена"}
)

type user struct {
	id       int64
	username string
	email    string
	avatar   string
	hash     []byte
	lastSeen time.Time
}

type group struct {
	id          int64
	name        string
	description string
	avatar      string
	ownerID     int64
	createdAt   time.Time
	members     []int64
}

// memDB is the backend's in-memory storage.
type memDB struct {
	mu       sync.RWMutex
	users    map[int64]*user
	groups   map[int64]*group
	messages []protocol.Message
	nextID   struct{ user, group, message int64 }
	now      func() time.Time
}

func newMemDB() *memDB {
	return &memDB{
		users:  make(map[int64]*user),
		groups: make(map[int64]*group),
		now:    time.Now,
	}
}

func (db *memDB) createUser(username, email string, hash []byte) (*user, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, u := range db.users {
		if u.username == username {
			return nil, errUsernameTaken
		}
		if u.email == email {
			return nil, errEmailTaken
		}
	}
	db.nextID.user++
	u := &user{id: db.nextID.user, username: username, email: email, hash: hash, lastSeen: db.now()}
	db.users[u.id] = u
	return u, nil
}

func (db *memDB) userByName(username string) (user, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, u := range db.users {
		if u.username == username {
			return *u, true
		}
	}
	return user{}, false
}

func (db *memDB) user(id int64) (user, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	u, ok := db.users[id]
	if !ok {
		return user{}, false
	}
	return *u, true
}

// usersExcept returns every user but id, ordered by id.
func (db *memDB) usersExcept(id int64) []user {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]user, 0, len(db.users))
	for _, u := range db.users {
		if u.id != id {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (db *memDB) updateProfile(id int64, username, email string) (user, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[id]
	if !ok {
		return user{}, errNoSuchUser
	}
	for _, other := range db.users {
		if other.id == id {
			continue
		}
		if username != "" && other.username == username {
			return user{}, errUsernameTaken
		}
		if email != "" && other.email == email {
			return user{}, errEmailTaken
		}
	}
	if username != "" {
		u.username = username
	}
	if email != "" {
		u.email = email
	}
	return *u, nil
}

func (db *memDB) setAvatar(id int64, avatar string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if u, ok := db.users[id]; ok {
		u.avatar = avatar
	}
}

func (db *memDB) setPassword(id int64, hash []byte) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if u, ok := db.users[id]; ok {
		u.hash = hash
	}
}

func (db *memDB) touch(id int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if u, ok := db.users[id]; ok {
		u.lastSeen = db.now()
	}
}

// createGroup creates a group with its owner as the first member.
func (db *memDB) createGroup(ownerID int64, name, description string) group {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextID.group++
	g := &group{
		id:          db.nextID.group,
		name:        name,
		description: description,
		ownerID:     ownerID,
		createdAt:   db.now(),
		members:     []int64{ownerID},
	}
	db.groups[g.id] = g
	return db.copyGroup(g)
}

func (db *memDB) joinGroup(groupID, userID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	g, ok := db.groups[groupID]
	if !ok {
		return errNoSuchGroup
	}
	for _, id := range g.members {
		if id == userID {
			return nil
		}
	}
	g.members = append(g.members, userID)
	return nil
}

func (db *memDB) group(id int64) (group, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	g, ok := db.groups[id]
	if !ok {
		return group{}, false
	}
	return db.copyGroup(g), true
}

// groupsOf returns the groups userID belongs to, ordered by id.
func (db *memDB) groupsOf(userID int64) []group {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []group
	for _, g := range db.groups {
		for _, id := range g.members {
			if id == userID {
				out = append(out, db.copyGroup(g))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (db *memDB) copyGroup(g *group) group {
	cp := *g
	cp.members = append([]int64(nil), g.members...)
	return cp
}

// addMessage stores m with a fresh id and timestamp.
func (db *memDB) addMessage(m protocol.Message) protocol.Message {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextID.message++
	m.ID = db.nextID.message
	m.CreatedAt = protocol.NewTimestamp(db.now())
	db.messages = append(db.messages, m)
	return m
}

// directHistory returns the messages between reader and peer, marking those sent to
// reader as read.
func (db *memDB) directHistory(reader, peer int64) []protocol.Message {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []protocol.Message
	for i := range db.messages {
		m := &db.messages[i]
		if m.ReceiverID == nil {
			continue
		}
		if (m.SenderID == reader && *m.ReceiverID == peer) || (m.SenderID == peer && *m.ReceiverID == reader) {
			if *m.ReceiverID == reader {
				m.IsRead = true
			}
			out = append(out, *m)
		}
	}
	return out
}

func (db *memDB) groupHistory(groupID int64) []protocol.Message {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []protocol.Message
	for _, m := range db.messages {
		if m.GroupID != nil && *m.GroupID == groupID {
			out = append(out, m)
		}
	}
	return out
}
