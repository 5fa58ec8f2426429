package match

import "github.com/adwski/pong-server/backend/model"

// SetBall places the ball for tests that need a specific trajectory.
func (m *Match) SetBall(b model.Ball) {
	m.mx.Lock()
	m.ball = b
	m.mx.Unlock()
}
