// Package match runs the authoritative simulation of a single pong match.
package match

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"

	"github.com/adwski/pong-server/backend/model"
	"github.com/adwski/pong-server/backend/physics"
)

const (
	defaultShutdownNotifyTimeout = time.Second

	ReasonOpponentLeft   = "opponent disconnected"
	ReasonInternalError  = "internal error"
	ReasonServerShutdown = "server shutdown"
)

var (
	ErrNotWaiting     = errors.New("match is not waiting for a second player")
	ErrSamePlayer     = errors.New("player cannot join its own match")
	ErrNotParticipant = errors.New("connection does not participate in this match")
	ErrNotInProgress  = errors.New("match is not in progress")
	ErrInvalidMove    = errors.New("invalid move")
	ErrTerminal       = errors.New("match is already over")

	errPaddleOutOfBounds = errors.New("paddle is outside the canvas")
	errBallNotFinite     = errors.New("ball state is not finite")
)

type (
	// Settings are fixed for the lifetime of a match.
	Settings struct {
		Canvas        model.Canvas
		PaddleWidth   float64
		PaddleHeight  float64
		BallRadius    float64
		Physics       physics.Params
		MaxPaddleStep float64
		WinThreshold  int
		TickInterval  time.Duration
		Seed          uint64
	}

	Publisher interface {
		Broadcast(ctx context.Context, ann model.Announcement, dsts ...string) error
	}

	Config struct {
		ID           string
		Player1ID    string
		Player1Login string
		Settings     Settings
		Publisher    Publisher
		Logger       *zerolog.Logger

		// OnTerminal is called exactly once, with the match lock held, when
		// the match reaches a terminal state. It must not call back into the match.
		OnTerminal func(*Match, model.Outcome)
	}

	pendingMove struct {
		delta float64
		set   bool
	}

	Match struct {
		id         string
		settings   Settings
		pub        Publisher
		onTerminal func(*Match, model.Outcome)
		logger     zerolog.Logger

		mx    sync.Mutex
		state model.MatchState
		p1    model.Paddle
		p2    *model.Paddle
		ball  model.Ball
		score model.Score
		tick  uint64
		rng   *rand.Rand
		done  chan struct{}

		announced bool

		// inMx guards the inbound side so movePlayer never waits on a tick.
		inMx      sync.Mutex
		owners    [2]string
		accepting bool
		pending   [2]pendingMove
	}
)

// New creates a match with player1 in the left slot, waiting for player2.
func New(cfg Config) *Match {
	s := cfg.Settings
	m := &Match{
		id:         cfg.ID,
		settings:   s,
		pub:        cfg.Publisher,
		onTerminal: cfg.OnTerminal,
		logger:     cfg.Logger.With().Str("component", "match").Str("matchID", cfg.ID).Logger(),
		state:      model.StateWaitingForPlayer2,
		p1: model.Paddle{
			ID:     cfg.Player1ID,
			Login:  cfg.Player1Login,
			X:      0,
			Y:      s.Canvas.Height/2 - s.PaddleHeight/2,
			Width:  s.PaddleWidth,
			Height: s.PaddleHeight,
		},
		ball: physics.Rest(s.Canvas, s.BallRadius),
		rng:  rand.New(rand.NewSource(s.Seed)),
		done: make(chan struct{}),
	}
	m.owners[0] = cfg.Player1ID
	return m
}

func (m *Match) ID() string { return m.id }

// Done is closed once the match is terminal.
func (m *Match) Done() <-chan struct{} { return m.done }

func (m *Match) State() model.MatchState {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.state
}

// Participants returns connection ids of both players, player1 first.
func (m *Match) Participants() []string {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.participantsLocked()
}

func (m *Match) Snapshot() model.Snapshot {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.snapshotLocked()
}

// AttachSecond puts the player into the right slot, starts the match and
// serves the ball. Players learn about it from Announce or the first Tick.
func (m *Match) AttachSecond(connID, login string) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.state != model.StateWaitingForPlayer2 {
		return ErrNotWaiting
	}
	if connID == m.p1.ID {
		return ErrSamePlayer
	}
	s := m.settings
	m.p2 = &model.Paddle{
		ID:     connID,
		Login:  login,
		X:      s.Canvas.Width - s.PaddleWidth,
		Y:      s.Canvas.Height/2 - s.PaddleHeight/2,
		Width:  s.PaddleWidth,
		Height: s.PaddleHeight,
	}
	m.state = model.StateInProgress

	m.inMx.Lock()
	m.owners[1] = connID
	m.accepting = true
	m.inMx.Unlock()

	toward := physics.SideLeft
	if m.rng.Intn(2) == 1 {
		toward = physics.SideRight
	}
	m.ball = m.serve(toward)

	m.logger.Debug().
		Str("player1", m.p1.Login).
		Str("player2", login).
		Stringer("serve", toward).
		Msg("match started")
	return nil
}

// Announce sends gameCreated and the opening snapshot to both players. It
// does nothing before pairing, after the match ended or when already sent.
func (m *Match) Announce(ctx context.Context) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.announceLocked(ctx)
}

func (m *Match) announceLocked(ctx context.Context) {
	if m.announced || m.state != model.StateInProgress {
		return
	}
	m.announced = true
	m.publishLocked(ctx, model.AnnouncementTypeGameCreated, model.GameCreatedPayload{
		MatchID: m.id,
		Player1: m.p1.Login,
		Player2: m.p2.Login,
	}, m.participantsLocked()...)
	m.publishLocked(ctx, model.AnnouncementTypeUpdatedGame, m.snapshotLocked(), m.participantsLocked()...)
}

// Move records the latest paddle intent of the connection. It is applied on
// the next tick; an earlier move that has not been applied yet is overwritten.
func (m *Match) Move(connID string, delta float64) error {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return ErrInvalidMove
	}
	limit := m.settings.MaxPaddleStep
	delta = math.Max(-limit, math.Min(limit, delta))

	m.inMx.Lock()
	defer m.inMx.Unlock()
	if !m.accepting {
		return ErrNotInProgress
	}
	for i, owner := range m.owners {
		if owner != "" && owner == connID {
			m.pending[i] = pendingMove{delta: delta, set: true}
			return nil
		}
	}
	return ErrNotParticipant
}

// Tick advances the simulation by one step. It returns false once the match is terminal.
func (m *Match) Tick(ctx context.Context) bool {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.state != model.StateInProgress {
		return !m.state.Terminal()
	}
	m.announceLocked(ctx)

	moves := m.drainMoves()
	if moves[0].set {
		physics.MovePaddle(&m.p1, moves[0].delta, m.settings.Canvas)
	}
	if moves[1].set {
		physics.MovePaddle(m.p2, moves[1].delta, m.settings.Canvas)
	}

	res := physics.Resolve(m.ball, &m.p1, m.p2, m.settings.Canvas, m.settings.Physics)
	m.ball = res.Ball
	m.tick++

	switch res.Scored {
	case physics.SideLeft:
		m.score.Player1++
	case physics.SideRight:
		m.score.Player2++
	}

	if err := m.checkLocked(); err != nil {
		m.logger.Error().Err(err).Uint64("tick", m.tick).Msg("invariant violated, abandoning match")
		m.state = model.StateAbandoned
		m.terminateLocked(ctx, "", ReasonInternalError)
		return false
	}

	if res.Scored != physics.SideNone {
		m.logger.Debug().
			Stringer("scorer", res.Scored).
			Int("player1", m.score.Player1).
			Int("player2", m.score.Player2).
			Msg("point scored")

		if m.score.Player1 >= m.settings.WinThreshold || m.score.Player2 >= m.settings.WinThreshold {
			m.state = model.StateFinished
			m.publishLocked(ctx, model.AnnouncementTypeUpdatedGame, m.snapshotLocked(), m.participantsLocked()...)
			m.terminateLocked(ctx, "", "")
			return false
		}
		// The player who was scored against receives the serve.
		m.ball = m.serve(res.Scored.Opposite())
	}

	m.logger.Trace().Uint64("tick", m.tick).Msg("tick")
	m.publishLocked(ctx, model.AnnouncementTypeUpdatedGame, m.snapshotLocked(), m.participantsLocked()...)
	return true
}

// Abandon ends the match because connID left. The other participant, if
// any, is notified.
func (m *Match) Abandon(ctx context.Context, connID string) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.state.Terminal() {
		return ErrTerminal
	}
	if connID != m.p1.ID && (m.p2 == nil || connID != m.p2.ID) {
		return ErrNotParticipant
	}
	m.state = model.StateAbandoned
	m.terminateLocked(ctx, connID, ReasonOpponentLeft)
	return nil
}

// Stop abandons a match that is still running, notifying both participants.
func (m *Match) Stop(ctx context.Context) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.state.Terminal() {
		return
	}
	m.state = model.StateAbandoned
	m.terminateLocked(ctx, "", ReasonServerShutdown)
}

// Run ticks the match until it is terminal or ctx is canceled.
func (m *Match) Run(ctx context.Context, clock Clock) {
	ticker := clock.NewTicker(m.settings.TickInterval)
	defer func() {
		ticker.Stop()
		m.logger.Debug().Msg("match loop stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownNotifyTimeout)
			m.Stop(stopCtx)
			cancel()
			return
		case <-m.done:
			return
		case <-ticker.C():
			if !m.Tick(ctx) {
				return
			}
		}
	}
}

func (m *Match) drainMoves() [2]pendingMove {
	m.inMx.Lock()
	defer m.inMx.Unlock()
	moves := m.pending
	m.pending = [2]pendingMove{}
	return moves
}

func (m *Match) serve(toward physics.Side) model.Ball {
	p := m.settings.Physics
	angle := (m.rng.Float64()*2 - 1) * p.MaxServeAngle
	return physics.Serve(m.settings.Canvas, m.settings.BallRadius, p.ServeSpeed, toward, angle)
}

func (m *Match) checkLocked() error {
	if !physics.PaddleInBounds(m.p1, m.settings.Canvas) {
		return errPaddleOutOfBounds
	}
	if m.p2 != nil && !physics.PaddleInBounds(*m.p2, m.settings.Canvas) {
		return errPaddleOutOfBounds
	}
	if !physics.BallFinite(m.ball) {
		return errBallNotFinite
	}
	return nil
}

// terminateLocked must be called after m.state was set to a terminal state.
func (m *Match) terminateLocked(ctx context.Context, abandonedBy, reason string) {
	m.inMx.Lock()
	m.accepting = false
	m.pending = [2]pendingMove{}
	m.inMx.Unlock()
	close(m.done)

	outcome := m.outcomeLocked(abandonedBy)

	switch m.state {
	case model.StateFinished:
		m.publishLocked(ctx, model.AnnouncementTypeGameFinished, model.GameFinishedPayload{
			MatchID: m.id,
			Score:   m.score,
			Winner:  outcome.Winner,
		}, m.participantsLocked()...)
	case model.StateAbandoned:
		var dsts []string
		for _, id := range m.participantsLocked() {
			if id != abandonedBy {
				dsts = append(dsts, id)
			}
		}
		if len(dsts) > 0 {
			m.publishLocked(ctx, model.AnnouncementTypeGameAbandoned, model.GameAbandonedPayload{
				MatchID: m.id,
				Reason:  reason,
			}, dsts...)
		}
	}

	m.logger.Info().
		Str("state", string(m.state)).
		Int("player1", m.score.Player1).
		Int("player2", m.score.Player2).
		Uint64("ticks", m.tick).
		Str("reason", reason).
		Msg("match ended")

	if m.onTerminal != nil {
		m.onTerminal(m, outcome)
	}
}

func (m *Match) outcomeLocked(abandonedBy string) model.Outcome {
	out := model.Outcome{
		MatchID: m.id,
		State:   m.state,
		Score:   m.score,
		Player1: m.p1.Login,
		Ticks:   m.tick,
		EndedAt: time.Now().UTC(),
	}
	if m.p2 != nil {
		out.Player2 = m.p2.Login
	}
	switch {
	case m.state == model.StateFinished && m.score.Player1 > m.score.Player2:
		out.Winner = out.Player1
	case m.state == model.StateFinished:
		out.Winner = out.Player2
	case abandonedBy == m.p1.ID:
		out.AbandonedBy = out.Player1
	case m.p2 != nil && abandonedBy == m.p2.ID:
		out.AbandonedBy = out.Player2
	}
	return out
}

func (m *Match) participantsLocked() []string {
	ids := []string{m.p1.ID}
	if m.p2 != nil {
		ids = append(ids, m.p2.ID)
	}
	return ids
}

func (m *Match) snapshotLocked() model.Snapshot {
	snap := model.Snapshot{
		MatchID:  m.id,
		Tick:     m.tick,
		State:    m.state,
		Finished: m.state == model.StateFinished,
		Player1:  m.p1,
		Ball:     m.ball,
		Canvas:   m.settings.Canvas,
		Score:    m.score,
	}
	if m.p2 != nil {
		p2 := *m.p2
		snap.Player2 = &p2
	}
	return snap
}

func (m *Match) publishLocked(ctx context.Context, typ string, payload any, dsts ...string) {
	if m.pub == nil {
		return
	}
	ann, err := model.NewAnnouncement(typ, payload)
	if err != nil {
		m.logger.Error().Err(err).Str("type", typ).Msg("failed to encode announcement")
		return
	}
	ann.SRC = m.id
	if err = m.pub.Broadcast(ctx, ann, dsts...); err != nil {
		m.logger.Debug().Err(err).Str("type", typ).Msg("broadcast failed")
	}
}
