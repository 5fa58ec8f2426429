package model

import (
	"encoding/json"
	"math"
	"time"
)

type Vector2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vector2) Finite() bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) && !math.IsNaN(v.Y) && !math.IsInf(v.Y, 0)
}

// Paddle is anchored at its top-left corner.
type Paddle struct {
	ID     string  `json:"id"`
	Login  string  `json:"login"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (p Paddle) CenterY() float64 {
	return p.Y + p.Height/2
}

type Ball struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	DX     float64 `json:"dx"`
	DY     float64 `json:"dy"`
	Radius float64 `json:"radius"`
}

func (b Ball) Position() Vector2 { return Vector2{X: b.X, Y: b.Y} }
func (b Ball) Velocity() Vector2 { return Vector2{X: b.DX, Y: b.DY} }

type Canvas struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Score struct {
	Player1 int `json:"player1"`
	Player2 int `json:"player2"`
}

type MatchState string

const (
	StateWaitingForPlayer2 MatchState = "waitingPlayer2"
	StateInProgress        MatchState = "inProgress"
	StateFinished          MatchState = "finished"
	StateAbandoned         MatchState = "abandoned"
)

func (s MatchState) Terminal() bool {
	return s == StateFinished || s == StateAbandoned
}

// Snapshot is the per-tick state pushed to both participants.
type Snapshot struct {
	MatchID  string     `json:"gameId"`
	Tick     uint64     `json:"tick"`
	State    MatchState `json:"state"`
	Finished bool       `json:"finished"`
	Player1  Paddle     `json:"player1"`
	Player2  *Paddle    `json:"player2,omitempty"`
	Ball     Ball       `json:"ball"`
	Canvas   Canvas     `json:"canvas"`
	Score    Score      `json:"score"`
}

// Outcome is handed to the result sink once a match is terminal.
type Outcome struct {
	MatchID     string     `json:"gameId"`
	State       MatchState `json:"state"`
	Score       Score      `json:"score"`
	Player1     string     `json:"player1"`
	Player2     string     `json:"player2,omitempty"`
	Winner      string     `json:"winner,omitempty"`
	AbandonedBy string     `json:"abandonedBy,omitempty"`
	Ticks       uint64     `json:"ticks"`
	EndedAt     time.Time  `json:"endedAt"`
}

// Inbound announcement types sent by clients.
const (
	AnnouncementTypeJoinGame   = "joinGame"
	AnnouncementTypeStartGame  = "startGame"
	AnnouncementTypeMovePlayer = "movePlayer"
)

// Outbound announcement types sent by server.
const (
	AnnouncementTypeWaitingPlayer2 = "waitingPlayer2"
	AnnouncementTypeGameCreated    = "gameCreated"
	AnnouncementTypeUpdatedGame    = "updatedGame"
	AnnouncementTypeGameFinished   = "gameFinished"
	AnnouncementTypeGameAbandoned  = "gameAbandoned"
	AnnouncementTypeJoinRejected   = "joinRejected"
)

type Announcement struct {
	DST     string          `json:"dst,omitempty"`
	SRC     string          `json:"src,omitempty"` // for inbound messages server re-assigns this based on websocket session
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewAnnouncement encodes payload once so it can be fanned out to several wires.
func NewAnnouncement(typ string, payload any) (Announcement, error) {
	ann := Announcement{Type: typ}
	if payload == nil {
		return ann, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ann, err
	}
	ann.Payload = b
	return ann, nil
}

// MovePayload is the body of movePlayer. Direction takes precedence over DY.
type MovePayload struct {
	Direction string   `json:"direction,omitempty"`
	DY        *float64 `json:"dy,omitempty"`
}

const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

type GameCreatedPayload struct {
	MatchID string `json:"gameId"`
	Player1 string `json:"player1"`
	Player2 string `json:"player2"`
}

type GameFinishedPayload struct {
	MatchID string `json:"gameId"`
	Score   Score  `json:"score"`
	Winner  string `json:"winner"`
}

type GameAbandonedPayload struct {
	MatchID string `json:"gameId"`
	Reason  string `json:"reason"`
}

type JoinRejectedPayload struct {
	Reason string `json:"reason"`
}

type Wire struct {
	RX chan Announcement
	TX chan Announcement
}

func NewWire(txBuffer int) Wire {
	return Wire{
		RX: make(chan Announcement),
		TX: make(chan Announcement, txBuffer),
	}
}
