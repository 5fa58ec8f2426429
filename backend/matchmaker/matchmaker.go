// Package matchmaker pairs players through a single waiting slot.
package matchmaker

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adwski/pong-server/backend/match"
)

var (
	ErrSlotTaken     = errors.New("another match is already waiting for a player")
	ErrNoOpenMatch   = errors.New("no match is waiting for a player")
	ErrAlreadyJoined = errors.New("connection already joined a match")
)

type (
	Registry interface {
		Register(connID string, m *match.Match) error
		Lookup(connID string) (string, error)
	}

	// Factory builds a match waiting for its second player.
	Factory func(connID, login string) *match.Match

	Config struct {
		Registry Registry
		NewMatch Factory
		Logger   *zerolog.Logger
	}

	// Result of Join. Paired is true when the caller became player2.
	Result struct {
		Match  *match.Match
		Paired bool
	}

	// Matchmaker is a one-item handoff: a first player parks a match in the
	// slot and the next player takes it out.
	Matchmaker struct {
		mx       sync.Mutex
		slot     *match.Match
		reg      Registry
		newMatch Factory
		logger   zerolog.Logger
	}
)

func New(cfg Config) *Matchmaker {
	return &Matchmaker{
		reg:      cfg.Registry,
		newMatch: cfg.NewMatch,
		logger:   cfg.Logger.With().Str("component", "matchmaker").Logger(),
	}
}

// JoinAsFirst creates a waiting match for the caller. It fails if one is already waiting.
func (mm *Matchmaker) JoinAsFirst(connID, login string) (*match.Match, error) {
	mm.mx.Lock()
	defer mm.mx.Unlock()
	return mm.joinFirstLocked(connID, login)
}

// JoinAsSecond attaches the caller to the waiting match and starts it. The
// caller announces the match once the slot is released.
func (mm *Matchmaker) JoinAsSecond(connID, login string) (*match.Match, error) {
	mm.mx.Lock()
	defer mm.mx.Unlock()
	return mm.joinSecondLocked(connID, login)
}

// Join pairs the caller with the waiting player or, if nobody waits, makes
// the caller the waiting player.
func (mm *Matchmaker) Join(connID, login string) (Result, error) {
	mm.mx.Lock()
	defer mm.mx.Unlock()

	mm.pruneLocked()
	if mm.slot != nil {
		m, err := mm.joinSecondLocked(connID, login)
		if err == nil {
			return Result{Match: m, Paired: true}, nil
		}
		if !errors.Is(err, ErrNoOpenMatch) {
			return Result{}, err
		}
	}
	m, err := mm.joinFirstLocked(connID, login)
	if err != nil {
		return Result{}, err
	}
	return Result{Match: m}, nil
}

// Cancel empties the slot if it holds the given match.
func (mm *Matchmaker) Cancel(matchID string) {
	mm.mx.Lock()
	defer mm.mx.Unlock()

	if mm.slot != nil && mm.slot.ID() == matchID {
		mm.slot = nil
		mm.logger.Debug().Str("matchID", matchID).Msg("waiting slot cleared")
	}
}

// Waiting returns the id of the waiting match.
func (mm *Matchmaker) Waiting() (string, bool) {
	mm.mx.Lock()
	defer mm.mx.Unlock()

	mm.pruneLocked()
	if mm.slot == nil {
		return "", false
	}
	return mm.slot.ID(), true
}

func (mm *Matchmaker) joinFirstLocked(connID, login string) (*match.Match, error) {
	mm.pruneLocked()
	if mm.slot != nil {
		return nil, ErrSlotTaken
	}
	if _, err := mm.reg.Lookup(connID); err == nil {
		return nil, ErrAlreadyJoined
	}
	m := mm.newMatch(connID, login)
	if err := mm.reg.Register(connID, m); err != nil {
		return nil, err
	}
	mm.slot = m
	mm.logger.Debug().
		Str("matchID", m.ID()).
		Str("connID", connID).
		Str("login", login).
		Msg("player is waiting for an opponent")
	return m, nil
}

func (mm *Matchmaker) joinSecondLocked(connID, login string) (*match.Match, error) {
	mm.pruneLocked()
	if mm.slot == nil {
		return nil, ErrNoOpenMatch
	}
	if _, err := mm.reg.Lookup(connID); err == nil {
		return nil, ErrAlreadyJoined
	}
	m := mm.slot
	if err := m.AttachSecond(connID, login); err != nil {
		if errors.Is(err, match.ErrNotWaiting) {
			// The waiting player left between the slot check and the attach.
			mm.slot = nil
			return nil, ErrNoOpenMatch
		}
		return nil, err
	}
	mm.slot = nil
	if err := mm.reg.Register(connID, m); err != nil {
		return nil, err
	}
	mm.logger.Debug().
		Str("matchID", m.ID()).
		Str("connID", connID).
		Str("login", login).
		Msg("players paired")
	return m, nil
}

// pruneLocked drops a slot whose match ended before anyone joined it.
func (mm *Matchmaker) pruneLocked() {
	if mm.slot == nil {
		return
	}
	select {
	case <-mm.slot.Done():
		mm.slot = nil
	default:
	}
}
