package service_test

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/pong-server/backend/match"
	"github.com/adwski/pong-server/backend/model"
	"github.com/adwski/pong-server/backend/physics"
	"github.com/adwski/pong-server/backend/registry"
	"github.com/adwski/pong-server/backend/service"
	sw "github.com/adwski/pong-server/backend/switch"
)

const waitTimeout = 2 * time.Second

type sink struct {
	mx       sync.Mutex
	outcomes []model.Outcome
}

func (s *sink) Publish(_ context.Context, outcome model.Outcome) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

func (s *sink) all() []model.Outcome {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]model.Outcome(nil), s.outcomes...)
}

type env struct {
	svc   *service.Service
	clock *match.ManualClock
	sink  *sink
	ctx   context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zerolog.Nop()
	e := &env{
		clock: match.NewManualClock(),
		sink:  &sink{},
	}
	var cancel context.CancelFunc
	e.ctx, cancel = context.WithCancel(context.Background())
	e.svc = service.NewService(service.Config{
		Switch:   sw.NewSwitch(sw.Config{Logger: &logger, Timeout: 50 * time.Millisecond}),
		Registry: registry.New(),
		Settings: match.Settings{
			Canvas:        model.Canvas{Width: 800, Height: 600},
			PaddleWidth:   10,
			PaddleHeight:  100,
			BallRadius:    10,
			Physics:       physics.Params{ServeSpeed: 2, MaxServeAngle: math.Pi / 8, Deflection: 2},
			MaxPaddleStep: 24,
			WinThreshold:  5,
			TickInterval:  time.Millisecond,
		},
		PaddleStep: 12,
		Seed:       1,
		Clock:      e.clock,
		Results:    e.sink,
		Logger:     &logger,
	})
	t.Cleanup(func() {
		cancel()
		e.svc.Close()
	})
	return e
}

func (e *env) connect(t *testing.T, connID, login string) model.Wire {
	t.Helper()
	wire := model.NewWire(256)
	require.NoError(t, e.svc.CreateSession(e.ctx, connID, login, wire))
	return wire
}

func (e *env) send(t *testing.T, wire model.Wire, connID, typ string, payload any) {
	t.Helper()
	ann, err := model.NewAnnouncement(typ, payload)
	require.NoError(t, err)
	ann.SRC = connID
	select {
	case wire.RX <- ann:
	case <-time.After(waitTimeout):
		t.Fatalf("could not deliver %s", typ)
	}
}

// expect reads the wire until an announcement of the given type arrives.
func expect(t *testing.T, wire model.Wire, typ string) model.Announcement {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ann := <-wire.TX:
			if ann.Type == typ {
				return ann
			}
		case <-deadline:
			t.Fatalf("no %s received", typ)
			return model.Announcement{}
		}
	}
}

func snapshotOf(t *testing.T, ann model.Announcement) model.Snapshot {
	t.Helper()
	var snap model.Snapshot
	require.NoError(t, json.Unmarshal(ann.Payload, &snap))
	return snap
}

func TestService_MatchLifecycle(t *testing.T) {
	e := newEnv(t)
	a := e.connect(t, "conn-a", "alice")
	b := e.connect(t, "conn-b", "bob")

	e.send(t, a, "conn-a", model.AnnouncementTypeJoinGame, nil)
	waiting := snapshotOf(t, expect(t, a, model.AnnouncementTypeWaitingPlayer2))
	assert.Equal(t, model.StateWaitingForPlayer2, waiting.State)
	assert.Equal(t, "alice", waiting.Player1.Login)

	require.Eventually(t, func() bool { return e.svc.Lobby().Waiting }, waitTimeout, time.Millisecond)

	e.send(t, b, "conn-b", model.AnnouncementTypeJoinGame, nil)
	for _, wire := range []model.Wire{a, b} {
		ann := expect(t, wire, model.AnnouncementTypeGameCreated)
		var created model.GameCreatedPayload
		require.NoError(t, json.Unmarshal(ann.Payload, &created))
		assert.Equal(t, "alice", created.Player1)
		assert.Equal(t, "bob", created.Player2)
	}
	e.send(t, a, "conn-a", model.AnnouncementTypeStartGame, nil)

	lobby := e.svc.Lobby()
	assert.False(t, lobby.Waiting)
	assert.Equal(t, 1, lobby.Matches)
	assert.Equal(t, 2, lobby.Players)
	assert.Equal(t, 2, lobby.Connections)

	// Move player1 up and let the match tick.
	e.send(t, a, "conn-a", model.AnnouncementTypeMovePlayer, model.MovePayload{Direction: model.DirectionUp})
	require.Eventually(t, func() bool { return e.clock.Active() == 1 }, waitTimeout, time.Millisecond)
	deadline := time.Now().Add(waitTimeout)
	for {
		e.clock.Advance()
		if snapshotOf(t, expect(t, a, model.AnnouncementTypeUpdatedGame)).Player1.Y == 238 {
			break
		}
		require.True(t, time.Now().Before(deadline), "move was never applied")
	}

	snap := snapshotOf(t, expect(t, b, model.AnnouncementTypeUpdatedGame))
	matchID := snap.MatchID
	got, err := e.svc.MatchSnapshot(matchID)
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, got.State)

	// Player1 disconnects: player2 is notified and freed.
	require.NoError(t, e.svc.DeleteSession(context.Background(), "conn-a"))
	ann := expect(t, b, model.AnnouncementTypeGameAbandoned)
	var abandoned model.GameAbandonedPayload
	require.NoError(t, json.Unmarshal(ann.Payload, &abandoned))
	assert.Equal(t, matchID, abandoned.MatchID)

	_, err = e.svc.MatchSnapshot(matchID)
	assert.ErrorIs(t, err, service.ErrMatchNotFound)

	lobby = e.svc.Lobby()
	assert.Zero(t, lobby.Matches)
	assert.Zero(t, lobby.Players)
	assert.Equal(t, 1, lobby.Connections)

	require.Eventually(t, func() bool { return len(e.sink.all()) == 1 }, waitTimeout, time.Millisecond)
	outcome := e.sink.all()[0]
	assert.Equal(t, model.StateAbandoned, outcome.State)
	assert.Equal(t, "alice", outcome.AbandonedBy)

	// The loop of the abandoned match is gone.
	require.Eventually(t, func() bool { return e.clock.Active() == 0 }, waitTimeout, time.Millisecond)

	e.send(t, b, "conn-b", model.AnnouncementTypeJoinGame, nil)
	expect(t, b, model.AnnouncementTypeWaitingPlayer2)
}

func TestService_WaitingPlayerDisconnects(t *testing.T) {
	e := newEnv(t)
	a := e.connect(t, "conn-a", "alice")
	e.send(t, a, "conn-a", model.AnnouncementTypeJoinGame, nil)
	expect(t, a, model.AnnouncementTypeWaitingPlayer2)

	require.NoError(t, e.svc.DeleteSession(context.Background(), "conn-a"))
	assert.False(t, e.svc.Lobby().Waiting)

	c := e.connect(t, "conn-c", "carol")
	e.send(t, c, "conn-c", model.AnnouncementTypeJoinGame, nil)
	snap := snapshotOf(t, expect(t, c, model.AnnouncementTypeWaitingPlayer2))
	assert.Equal(t, "carol", snap.Player1.Login)
}

func TestService_JoinRejected(t *testing.T) {
	e := newEnv(t)
	a := e.connect(t, "conn-a", "alice")

	e.send(t, a, "conn-a", model.AnnouncementTypeJoinGame, nil)
	expect(t, a, model.AnnouncementTypeWaitingPlayer2)

	err := e.svc.JoinGame(e.ctx, "conn-a")
	assert.ErrorIs(t, err, service.ErrJoin)
	expect(t, a, model.AnnouncementTypeJoinRejected)

	assert.ErrorIs(t, e.svc.JoinGame(e.ctx, "conn-unknown"), service.ErrJoin)
}

func TestService_MovePlayer(t *testing.T) {
	e := newEnv(t)
	a := e.connect(t, "conn-a", "alice")
	b := e.connect(t, "conn-b", "bob")

	assert.ErrorIs(t, e.svc.MovePlayer("conn-a", json.RawMessage(`{"direction":"up"}`)), registry.ErrNotFound)

	e.send(t, a, "conn-a", model.AnnouncementTypeJoinGame, nil)
	expect(t, a, model.AnnouncementTypeWaitingPlayer2)
	assert.ErrorIs(t, e.svc.MovePlayer("conn-a", json.RawMessage(`{"direction":"up"}`)), match.ErrNotInProgress)

	e.send(t, b, "conn-b", model.AnnouncementTypeJoinGame, nil)
	expect(t, b, model.AnnouncementTypeGameCreated)

	tests := []struct {
		name    string
		payload string
		err     error
	}{
		{name: "up", payload: `{"direction":"up"}`},
		{name: "down", payload: `{"direction":"down"}`},
		{name: "explicit dy", payload: `{"dy":-3.5}`},
		{name: "empty", payload: `{}`, err: match.ErrInvalidMove},
		{name: "garbage", payload: `nope`, err: match.ErrInvalidMove},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.svc.MovePlayer("conn-b", json.RawMessage(tt.payload))
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestService_CloseStopsMatches(t *testing.T) {
	e := newEnv(t)
	a := e.connect(t, "conn-a", "alice")
	b := e.connect(t, "conn-b", "bob")
	e.send(t, a, "conn-a", model.AnnouncementTypeJoinGame, nil)
	expect(t, a, model.AnnouncementTypeWaitingPlayer2)
	e.send(t, b, "conn-b", model.AnnouncementTypeJoinGame, nil)
	expect(t, b, model.AnnouncementTypeGameCreated)
	require.Eventually(t, func() bool { return e.clock.Active() == 1 }, waitTimeout, time.Millisecond)

	e.svc.Close()

	assert.Equal(t, 0, e.clock.Active())
	expect(t, a, model.AnnouncementTypeGameAbandoned)
	expect(t, b, model.AnnouncementTypeGameAbandoned)
	assert.Zero(t, e.svc.Lobby().Matches)
}

func TestService_DisconnectWhileJoining(t *testing.T) {
	t.Run("waiting slot is not left to a closed connection", func(t *testing.T) {
		e := newEnv(t)
		a := e.connect(t, "conn-a", "alice")

		// The switch holds the join once it is off the wire; DeleteSession
		// must observe its effect.
		e.send(t, a, "conn-a", model.AnnouncementTypeJoinGame, nil)
		require.NoError(t, e.svc.DeleteSession(context.Background(), "conn-a"))

		lobby := e.svc.Lobby()
		assert.False(t, lobby.Waiting)
		assert.Zero(t, lobby.Players)
		assert.Zero(t, lobby.Matches)

		b := e.connect(t, "conn-b", "bob")
		e.send(t, b, "conn-b", model.AnnouncementTypeJoinGame, nil)
		snap := snapshotOf(t, expect(t, b, model.AnnouncementTypeWaitingPlayer2))
		assert.Equal(t, "bob", snap.Player1.Login)
	})

	t.Run("waiting player is freed when the opponent leaves mid join", func(t *testing.T) {
		e := newEnv(t)
		a := e.connect(t, "conn-a", "alice")
		e.send(t, a, "conn-a", model.AnnouncementTypeJoinGame, nil)
		expect(t, a, model.AnnouncementTypeWaitingPlayer2)

		c := e.connect(t, "conn-c", "carol")
		e.send(t, c, "conn-c", model.AnnouncementTypeJoinGame, nil)
		require.NoError(t, e.svc.DeleteSession(context.Background(), "conn-c"))

		expect(t, a, model.AnnouncementTypeGameAbandoned)
		lobby := e.svc.Lobby()
		assert.False(t, lobby.Waiting)
		assert.Zero(t, lobby.Matches)
		assert.Zero(t, lobby.Players)
		require.Eventually(t, func() bool { return e.clock.Active() == 0 }, waitTimeout, time.Millisecond)
	})
}
