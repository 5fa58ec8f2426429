package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/pong-server/backend/match"
	"github.com/adwski/pong-server/backend/matchmaker"
	"github.com/adwski/pong-server/backend/model"
	"github.com/adwski/pong-server/backend/registry"
	_switch "github.com/adwski/pong-server/backend/switch"
)

const (
	defaultResultPublishTimeout = 5 * time.Second
)

var (
	ErrJoin          = errors.New("unable to join game")
	ErrConnect       = errors.New("unable to connect")
	ErrDisconnect    = errors.New("unable to disconnect")
	ErrMatchNotFound = errors.New("match is not found")
	ErrUnknownMove   = errors.New("move has neither direction nor dy")
	ErrSessionGone   = errors.New("session ended while joining")
)

type (
	Switch interface {
		Connect(ctx context.Context, connID string, wire model.Wire, h _switch.Handler) error
		Disconnect(connID string) error
		Broadcast(ctx context.Context, ann model.Announcement, dsts ...string) error
		Count() int
	}

	// ResultSink receives outcomes of ended matches; delivery is best effort.
	ResultSink interface {
		Publish(ctx context.Context, outcome model.Outcome) error
	}

	Config struct {
		Switch   Switch
		Registry *registry.Registry
		Settings match.Settings
		// PaddleStep is the paddle shift of an up/down command.
		PaddleStep float64
		// Seed of the first match, incremented for every next one. Zero
		// seeds every match from the wall clock.
		Seed    uint64
		Clock   match.Clock
		Results ResultSink
		Logger  *zerolog.Logger
	}

	Lobby struct {
		Waiting     bool   `json:"waiting"`
		WaitingID   string `json:"waitingId,omitempty"`
		Matches     int    `json:"matches"`
		Players     int    `json:"players"`
		Connections int    `json:"connections"`
	}

	Service struct {
		sw         Switch
		reg        *registry.Registry
		mm         *matchmaker.Matchmaker
		clock      match.Clock
		results    ResultSink
		settings   match.Settings
		paddleStep float64
		seed       uint64
		matchSeq   atomic.Uint64

		rootLogger zerolog.Logger
		logger     zerolog.Logger

		mx       sync.Mutex
		sessions map[string]string
		closed   bool

		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

func NewService(cfg Config) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		sw:         cfg.Switch,
		reg:        cfg.Registry,
		clock:      cfg.Clock,
		results:    cfg.Results,
		settings:   cfg.Settings,
		paddleStep: cfg.PaddleStep,
		seed:       cfg.Seed,
		rootLogger: *cfg.Logger,
		logger:     cfg.Logger.With().Str("component", "game").Logger(),
		sessions:   make(map[string]string),
		ctx:        ctx,
		cancel:     cancel,
	}
	if svc.clock == nil {
		svc.clock = match.RealClock{}
	}
	svc.mm = matchmaker.New(matchmaker.Config{
		Registry: svc.reg,
		NewMatch: svc.newMatch,
		Logger:   cfg.Logger,
	})
	return svc
}

func (svc *Service) CreateSession(ctx context.Context, connID, login string, wire model.Wire) error {
	svc.mx.Lock()
	svc.sessions[connID] = login
	svc.mx.Unlock()

	if err := svc.sw.Connect(ctx, connID, wire, svc); err != nil {
		svc.mx.Lock()
		delete(svc.sessions, connID)
		svc.mx.Unlock()
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("connID", connID).
		Str("login", login).
		Msg("game session connected")
	return nil
}

// DeleteSession handles a disconnect: the connection's match is abandoned
// and its waiting slot, if any, is released. The switch is disconnected
// first so a join still being handled for the connection lands before the
// match lookup.
func (svc *Service) DeleteSession(ctx context.Context, connID string) error {
	errSw := svc.sw.Disconnect(connID)

	svc.mx.Lock()
	delete(svc.sessions, connID)
	svc.mx.Unlock()

	if m, err := svc.reg.MatchOf(connID); err == nil {
		if err = m.Abandon(ctx, connID); err != nil {
			svc.logger.Debug().Err(err).Str("connID", connID).Msg("abandon skipped")
		}
		svc.mm.Cancel(m.ID())
	}
	svc.reg.Unregister(connID)

	if errSw != nil {
		return errors.Join(ErrDisconnect, errSw)
	}
	svc.logger.Debug().
		Str("connID", connID).
		Msg("game session deleted")
	return nil
}

func (svc *Service) HandleAnnouncement(ctx context.Context, ann model.Announcement) {
	logger := svc.logger.With().Str("connID", ann.SRC).Str("type", ann.Type).Logger()

	switch ann.Type {
	case model.AnnouncementTypeJoinGame:
		if err := svc.JoinGame(ctx, ann.SRC); err != nil {
			logger.Debug().Err(err).Msg("join rejected")
		}
	case model.AnnouncementTypeStartGame:
		// Clients acknowledge gameCreated with startGame; the ball is
		// already served by then.
		logger.Trace().Msg("start acknowledged")
	case model.AnnouncementTypeMovePlayer:
		if err := svc.MovePlayer(ann.SRC, ann.Payload); err != nil {
			logger.Trace().Err(err).Msg("move ignored")
		}
	default:
		logger.Warn().Msg("unknown announcement type")
	}
}

// JoinGame pairs the connection with the waiting player or parks it in the
// waiting slot. A rejected join is reported to the caller only.
func (svc *Service) JoinGame(ctx context.Context, connID string) error {
	svc.mx.Lock()
	login, ok := svc.sessions[connID]
	svc.mx.Unlock()
	if !ok {
		return errors.Join(ErrJoin, registry.ErrNotFound)
	}

	res, err := svc.mm.Join(connID, login)
	if err != nil {
		svc.send(ctx, connID, model.AnnouncementTypeJoinRejected, model.JoinRejectedPayload{Reason: err.Error()})
		return errors.Join(ErrJoin, err)
	}

	svc.mx.Lock()
	_, ok = svc.sessions[connID]
	svc.mx.Unlock()
	if !ok {
		// DeleteSession ran while the join was in flight and may have
		// missed the registration.
		_ = res.Match.Abandon(ctx, connID)
		svc.mm.Cancel(res.Match.ID())
		svc.reg.Unregister(connID)
		return errors.Join(ErrJoin, ErrSessionGone)
	}
	if !res.Paired {
		svc.send(ctx, connID, model.AnnouncementTypeWaitingPlayer2, res.Match.Snapshot())
		return nil
	}
	res.Match.Announce(ctx)
	svc.startMatch(res.Match)
	return nil
}

// MovePlayer queues a paddle move for the connection's match.
func (svc *Service) MovePlayer(connID string, payload json.RawMessage) error {
	m, err := svc.reg.MatchOf(connID)
	if err != nil {
		return err
	}
	var mv model.MovePayload
	if err = json.Unmarshal(payload, &mv); err != nil {
		return errors.Join(match.ErrInvalidMove, err)
	}
	var delta float64
	switch {
	case mv.Direction == model.DirectionUp:
		delta = -svc.paddleStep
	case mv.Direction == model.DirectionDown:
		delta = svc.paddleStep
	case mv.DY != nil:
		delta = *mv.DY
	default:
		return errors.Join(match.ErrInvalidMove, ErrUnknownMove)
	}
	return m.Move(connID, delta)
}

func (svc *Service) Lobby() Lobby {
	players, matches := svc.reg.Stats()
	id, waiting := svc.mm.Waiting()
	return Lobby{
		Waiting:     waiting,
		WaitingID:   id,
		Matches:     matches,
		Players:     players,
		Connections: svc.sw.Count(),
	}
}

func (svc *Service) MatchSnapshot(matchID string) (model.Snapshot, error) {
	m, err := svc.reg.Match(matchID)
	if err != nil {
		return model.Snapshot{}, errors.Join(ErrMatchNotFound, err)
	}
	return m.Snapshot(), nil
}

// Close stops every running match and waits for their loops to return.
func (svc *Service) Close() {
	svc.mx.Lock()
	svc.closed = true
	svc.mx.Unlock()

	svc.cancel()
	svc.wg.Wait()
	svc.logger.Debug().Msg("all matches stopped")
}

func (svc *Service) startMatch(m *match.Match) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if svc.closed {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		m.Stop(ctx)
		cancel()
		return
	}
	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		m.Run(svc.ctx, svc.clock)
	}()
}

func (svc *Service) newMatch(connID, login string) *match.Match {
	s := svc.settings
	s.Seed = svc.nextSeed()
	return match.New(match.Config{
		ID:           uuid.NewString(),
		Player1ID:    connID,
		Player1Login: login,
		Settings:     s,
		Publisher:    svc.sw,
		Logger:       &svc.rootLogger,
		OnTerminal:   svc.onTerminal,
	})
}

func (svc *Service) nextSeed() uint64 {
	n := svc.matchSeq.Add(1) - 1
	if svc.seed == 0 {
		return uint64(time.Now().UnixNano()) + n
	}
	return svc.seed + n
}

// onTerminal runs under the match lock.
func (svc *Service) onTerminal(m *match.Match, outcome model.Outcome) {
	svc.reg.MatchTerminated(m.ID())
	if svc.results == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultResultPublishTimeout)
		defer cancel()
		if err := svc.results.Publish(ctx, outcome); err != nil {
			svc.logger.Error().Err(err).Str("matchID", outcome.MatchID).Msg("failed to publish outcome")
		}
	}()
}

func (svc *Service) send(ctx context.Context, connID, typ string, payload any) {
	ann, err := model.NewAnnouncement(typ, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", typ).Msg("failed to encode announcement")
		return
	}
	if err = svc.sw.Broadcast(ctx, ann, connID); err != nil {
		svc.logger.Debug().Err(err).Str("connID", connID).Str("type", typ).Msg("announcement dropped")
	}
}
