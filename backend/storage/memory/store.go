package memory

import (
	"errors"
	"regexp"
	"sort"
	"sync"

	"github.com/adwski/watchparty/backend/session"
)

const (
	defaultMaxSessions = 100
)

var (
	ErrTooManySessions  = errors.New("session limit reached")
	ErrSessionNotFound  = errors.New("session is not found")
	ErrInvalidSessionID = errors.New("invalid session id")
)

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// HubFactory creates hub for a new session key.
type HubFactory func(sessionID string) *session.Hub

// MemStore keeps one independent hub per session key.
// Session lives while it has holders; pinned sessions live forever.
type MemStore struct {
	mx          *sync.Mutex
	db          map[string]*entry
	newHub      HubFactory
	maxSessions int
}

type entry struct {
	hub     *session.Hub
	holders int
	pinned  bool
}

func NewMemStore(newHub HubFactory, maxSessions int) *MemStore {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &MemStore{
		mx:          &sync.Mutex{},
		db:          make(map[string]*entry),
		newHub:      newHub,
		maxSessions: maxSessions,
	}
}

// AcquireSession returns session hub, creating it if needed, and registers one more holder.
// Every successful call must be paired with ReleaseSession.
func (ms *MemStore) AcquireSession(sessionID string) (*session.Hub, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	e, err := ms.getOrCreate(sessionID)
	if err != nil {
		return nil, err
	}
	e.holders++
	return e.hub, nil
}

// ReleaseSession drops one holder. Unpinned session without holders is removed,
// reclaimed reports whether that happened.
func (ms *MemStore) ReleaseSession(sessionID string) (reclaimed bool, err error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	e, ok := ms.db[sessionID]
	if !ok || e.holders == 0 {
		return false, ErrSessionNotFound
	}
	e.holders--
	if e.holders > 0 || e.pinned {
		return false, nil
	}
	delete(ms.db, sessionID)
	return true, nil
}

// PinSession creates session that is never reclaimed.
func (ms *MemStore) PinSession(sessionID string) (*session.Hub, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	e, err := ms.getOrCreate(sessionID)
	if err != nil {
		return nil, err
	}
	e.pinned = true
	return e.hub, nil
}

func (ms *MemStore) getOrCreate(sessionID string) (*entry, error) {
	if !sessionIDRe.MatchString(sessionID) {
		return nil, ErrInvalidSessionID
	}
	if e, ok := ms.db[sessionID]; ok {
		return e, nil
	}
	if len(ms.db) >= ms.maxSessions {
		return nil, ErrTooManySessions
	}
	e := &entry{hub: ms.newHub(sessionID)}
	ms.db[sessionID] = e
	return e, nil
}

func (ms *MemStore) GetSession(sessionID string) (*session.Hub, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	e, ok := ms.db[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e.hub, nil
}

// ListSessions returns hubs ordered by session id.
func (ms *MemStore) ListSessions() []*session.Hub {
	ms.mx.Lock()
	hubs := make([]*session.Hub, 0, len(ms.db))
	for _, e := range ms.db {
		hubs = append(hubs, e.hub)
	}
	ms.mx.Unlock()

	sort.Slice(hubs, func(i, j int) bool { return hubs[i].ID() < hubs[j].ID() })
	return hubs
}
