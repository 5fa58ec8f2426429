package matchmaker_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/pong-server/backend/match"
	"github.com/adwski/pong-server/backend/matchmaker"
	"github.com/adwski/pong-server/backend/model"
	"github.com/adwski/pong-server/backend/physics"
	"github.com/adwski/pong-server/backend/registry"
)

func newMatchmaker(t *testing.T) (*matchmaker.Matchmaker, *registry.Registry) {
	t.Helper()
	return newMatchmakerWithPublisher(t, nil)
}

func newMatchmakerWithPublisher(t *testing.T, pub match.Publisher) (*matchmaker.Matchmaker, *registry.Registry) {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.New()
	factory := func(connID, login string) *match.Match {
		return match.New(match.Config{
			ID:           uuid.NewString(),
			Player1ID:    connID,
			Player1Login: login,
			Settings: match.Settings{
				Canvas:        model.Canvas{Width: 800, Height: 600},
				PaddleWidth:   10,
				PaddleHeight:  100,
				BallRadius:    10,
				Physics:       physics.Params{ServeSpeed: 5},
				MaxPaddleStep: 20,
				WinThreshold:  5,
			},
			Publisher: pub,
			Logger:    &logger,
			OnTerminal: func(m *match.Match, _ model.Outcome) {
				reg.MatchTerminated(m.ID())
			},
		})
	}
	return matchmaker.New(matchmaker.Config{
		Registry: reg,
		NewMatch: factory,
		Logger:   &logger,
	}), reg
}

func TestJoinAsFirst(t *testing.T) {
	mm, reg := newMatchmaker(t)

	m, err := mm.JoinAsFirst("a", "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StateWaitingForPlayer2, m.State())
	snap := m.Snapshot()
	assert.Equal(t, 0.0, snap.Player1.X)
	assert.Equal(t, 250.0, snap.Player1.Y)

	id, err := reg.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, m.ID(), id)

	waiting, ok := mm.Waiting()
	assert.True(t, ok)
	assert.Equal(t, m.ID(), waiting)

	_, err = mm.JoinAsFirst("b", "bob")
	assert.ErrorIs(t, err, matchmaker.ErrSlotTaken)
}

func TestJoinAsSecond(t *testing.T) {
	mm, reg := newMatchmaker(t)

	_, err := mm.JoinAsSecond("b", "bob")
	assert.ErrorIs(t, err, matchmaker.ErrNoOpenMatch)

	first, err := mm.JoinAsFirst("a", "alice")
	require.NoError(t, err)

	_, err = mm.JoinAsSecond("a", "alice")
	assert.ErrorIs(t, err, matchmaker.ErrAlreadyJoined)

	m, err := mm.JoinAsSecond("b", "bob")
	require.NoError(t, err)
	assert.Same(t, first, m)
	assert.Equal(t, model.StateInProgress, m.State())

	snap := m.Snapshot()
	require.NotNil(t, snap.Player2)
	assert.Equal(t, 790.0, snap.Player2.X)
	assert.Equal(t, 250.0, snap.Player2.Y)
	assert.NotZero(t, snap.Ball.DX)

	_, ok := mm.Waiting()
	assert.False(t, ok)

	for _, conn := range []string{"a", "b"} {
		id, err := reg.Lookup(conn)
		require.NoError(t, err)
		assert.Equal(t, m.ID(), id)
	}
}

func TestJoin(t *testing.T) {
	mm, _ := newMatchmaker(t)

	res, err := mm.Join("a", "alice")
	require.NoError(t, err)
	assert.False(t, res.Paired)

	res2, err := mm.Join("b", "bob")
	require.NoError(t, err)
	assert.True(t, res2.Paired)
	assert.Same(t, res.Match, res2.Match)

	_, err = mm.Join("a", "alice")
	assert.ErrorIs(t, err, matchmaker.ErrAlreadyJoined)

	res3, err := mm.Join("c", "carol")
	require.NoError(t, err)
	assert.False(t, res3.Paired)
	assert.NotEqual(t, res.Match.ID(), res3.Match.ID())
}

func TestWaitingPlayerLeaves(t *testing.T) {
	t.Run("slot is pruned lazily", func(t *testing.T) {
		mm, reg := newMatchmaker(t)
		m, err := mm.JoinAsFirst("a", "alice")
		require.NoError(t, err)
		require.NoError(t, m.Abandon(context.Background(), "a"))

		_, ok := mm.Waiting()
		assert.False(t, ok)
		_, err = reg.Lookup("a")
		assert.ErrorIs(t, err, registry.ErrNotFound)

		next, err := mm.JoinAsFirst("b", "bob")
		require.NoError(t, err)
		assert.NotEqual(t, m.ID(), next.ID())
	})

	t.Run("join falls back to a new match", func(t *testing.T) {
		mm, _ := newMatchmaker(t)
		m, err := mm.JoinAsFirst("a", "alice")
		require.NoError(t, err)
		require.NoError(t, m.Abandon(context.Background(), "a"))

		res, err := mm.Join("b", "bob")
		require.NoError(t, err)
		assert.False(t, res.Paired)
		assert.Equal(t, model.StateWaitingForPlayer2, res.Match.State())
	})

	t.Run("cancel", func(t *testing.T) {
		mm, _ := newMatchmaker(t)
		m, err := mm.JoinAsFirst("a", "alice")
		require.NoError(t, err)

		mm.Cancel("other")
		_, ok := mm.Waiting()
		assert.True(t, ok)

		mm.Cancel(m.ID())
		_, ok = mm.Waiting()
		assert.False(t, ok)
	})
}

type stalledPublisher struct {
	release chan struct{}
}

func (p *stalledPublisher) Broadcast(ctx context.Context, _ model.Announcement, _ ...string) error {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return nil
}

func TestSlowPlayerDoesNotStallPairing(t *testing.T) {
	pub := &stalledPublisher{release: make(chan struct{})}
	defer close(pub.release)
	mm, _ := newMatchmakerWithPublisher(t, pub)

	_, err := mm.JoinAsFirst("a", "alice")
	require.NoError(t, err)

	paired := make(chan *match.Match, 1)
	go func() {
		res, err := mm.Join("b", "bob")
		assert.NoError(t, err)
		paired <- res.Match
	}()

	var m *match.Match
	select {
	case m = <-paired:
	case <-time.After(time.Second):
		t.Fatal("pairing waited on the publisher")
	}

	// Announcing blocks on the stalled recipient while the slot stays usable.
	go m.Announce(context.Background())
	joined := make(chan error, 1)
	go func() {
		_, err := mm.JoinAsFirst("c", "carol")
		joined <- err
	}()
	select {
	case err = <-joined:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("matchmaking stalled behind an announcement")
	}
}

func TestConcurrentJoinAsFirst(t *testing.T) {
	mm, _ := newMatchmaker(t)

	var (
		wg        sync.WaitGroup
		mx        sync.Mutex
		successes int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := mm.JoinAsFirst(fmt.Sprintf("conn-%d", i), "p"); err == nil {
				mx.Lock()
				successes++
				mx.Unlock()
			} else {
				assert.ErrorIs(t, err, matchmaker.ErrSlotTaken)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestConcurrentJoin(t *testing.T) {
	mm, reg := newMatchmaker(t)
	const players = 100

	var (
		wg      sync.WaitGroup
		mx      sync.Mutex
		paired  int
		matches = make(map[string]int)
	)
	for i := 0; i < players; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := mm.Join(fmt.Sprintf("conn-%d", i), "p")
			if !assert.NoError(t, err) {
				return
			}
			mx.Lock()
			defer mx.Unlock()
			matches[res.Match.ID()]++
			if res.Paired {
				paired++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, players/2, paired)
	assert.Len(t, matches, players/2)
	for id, n := range matches {
		assert.Equal(t, 2, n, "match %s", id)
	}
	_, waiting := mm.Waiting()
	assert.False(t, waiting)

	conns, registered := reg.Stats()
	assert.Equal(t, players, conns)
	assert.Equal(t, players/2, registered)
}
