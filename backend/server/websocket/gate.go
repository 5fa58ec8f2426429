package websocket

import (
	"errors"

	"golang.org/x/time/rate"

	"github.com/adwski/pong-server/backend/model"
)

const (
	defaultMoveRate  = 120
	defaultMoveBurst = 10
)

var (
	errNotInbound  = errors.New("announcement type is not accepted from clients")
	errMoveLimited = errors.New("move rate exceeded")
)

// inboundGate decides which client announcements reach the game service.
// Moves beyond the per-connection rate are dropped; the match applies one
// move per tick anyway.
type inboundGate struct {
	moves *rate.Limiter
}

func newInboundGate(moveRate float64, moveBurst int) *inboundGate {
	if moveRate <= 0 {
		moveRate = defaultMoveRate
	}
	if moveBurst <= 0 {
		moveBurst = defaultMoveBurst
	}
	return &inboundGate{moves: rate.NewLimiter(rate.Limit(moveRate), moveBurst)}
}

func (g *inboundGate) admit(ann model.Announcement) error {
	switch ann.Type {
	case model.AnnouncementTypeJoinGame, model.AnnouncementTypeStartGame:
		return nil
	case model.AnnouncementTypeMovePlayer:
		if !g.moves.Allow() {
			return errMoveLimited
		}
		return nil
	default:
		return errNotInbound
	}
}
