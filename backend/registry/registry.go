// Package registry routes connection ids to the match they play in.
package registry

import (
	"errors"
	"sync"

	"github.com/adwski/pong-server/backend/match"
)

var (
	ErrNotFound          = errors.New("connection is not registered")
	ErrMatchNotFound     = errors.New("match is not found")
	ErrAlreadyRegistered = errors.New("connection is already registered to another match")
	ErrTerminated        = errors.New("match is already over")
)

type Registry struct {
	mx      *sync.RWMutex
	conns   map[string]string
	matches map[string]*match.Match
}

func New() *Registry {
	return &Registry{
		mx:      &sync.RWMutex{},
		conns:   make(map[string]string),
		matches: make(map[string]*match.Match),
	}
}

// Register maps connID to m. A terminal match cannot gain entries, so a
// registration racing the terminal transition never outlives it.
func (r *Registry) Register(connID string, m *match.Match) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	select {
	case <-m.Done():
		return ErrTerminated
	default:
	}
	if id, ok := r.conns[connID]; ok && id != m.ID() {
		return ErrAlreadyRegistered
	}
	r.conns[connID] = m.ID()
	r.matches[m.ID()] = m
	return nil
}

func (r *Registry) Lookup(connID string) (string, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	id, ok := r.conns[connID]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

// MatchOf resolves connID straight to its match.
func (r *Registry) MatchOf(connID string) (*match.Match, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	id, ok := r.conns[connID]
	if !ok {
		return nil, ErrNotFound
	}
	m, ok := r.matches[id]
	if !ok {
		return nil, ErrMatchNotFound
	}
	return m, nil
}

func (r *Registry) Match(matchID string) (*match.Match, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	m, ok := r.matches[matchID]
	if !ok {
		return nil, ErrMatchNotFound
	}
	return m, nil
}

func (r *Registry) Unregister(connID string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.conns, connID)
}

// MatchTerminated removes the match and every connection mapped to it.
func (r *Registry) MatchTerminated(matchID string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	for conn, id := range r.conns {
		if id == matchID {
			delete(r.conns, conn)
		}
	}
	delete(r.matches, matchID)
}

// Stats returns the number of registered connections and matches.
func (r *Registry) Stats() (int, int) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.conns), len(r.matches)
}
