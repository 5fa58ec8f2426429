// Package physics advances a pong ball by one fixed step.
//
// Everything here is a pure function of its arguments so that two replays
// fed the same inputs produce identical states.
package physics

import (
	"math"

	"github.com/adwski/pong-server/backend/model"
)

// Side identifies a half of the canvas. SideLeft belongs to player1.
type Side int

const (
	SideNone Side = iota
	SideLeft
	SideRight
)

func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	default:
		return "none"
	}
}

// Opposite returns the other half of the canvas.
func (s Side) Opposite() Side {
	switch s {
	case SideLeft:
		return SideRight
	case SideRight:
		return SideLeft
	default:
		return SideNone
	}
}

type Params struct {
	// ServeSpeed is the velocity magnitude given to a served ball.
	ServeSpeed float64
	// MaxServeAngle bounds the serve angle from the horizontal, in radians.
	MaxServeAngle float64
	// Deflection is the dy added by a hit on the very edge of a paddle.
	Deflection float64
}

type Result struct {
	Ball       model.Ball
	WallBounce bool
	PaddleHit  Side
	// Scored is the side that won the point, SideNone if nobody did.
	Scored Side
}

// Resolve moves the ball one step and resolves wall bounces, paddle hits and
// scoring. p2 may be nil while the match is waiting for its second player.
func Resolve(ball model.Ball, p1, p2 *model.Paddle, canvas model.Canvas, params Params) Result {
	prev := ball
	ball.X += ball.DX
	ball.Y += ball.DY

	var res Result

	// Walls. Only dy reflects, so the order of the checks is irrelevant.
	if ball.Y-ball.Radius < 0 {
		ball.Y = ball.Radius
		ball.DY = math.Abs(ball.DY)
		res.WallBounce = true
	} else if ball.Y+ball.Radius > canvas.Height {
		ball.Y = canvas.Height - ball.Radius
		ball.DY = -math.Abs(ball.DY)
		res.WallBounce = true
	}

	// Only the paddle the ball is moving toward is checked.
	switch {
	case ball.DX < 0 && p1 != nil:
		face := p1.X + p1.Width
		if hitY, ok := collide(prev, ball, *p1, face, SideLeft); ok {
			ball.X = face + ball.Radius
			ball.DX = -ball.DX
			ball.DY += deflection(hitY, *p1, params.Deflection)
			res.PaddleHit = SideLeft
		}
	case ball.DX > 0 && p2 != nil:
		face := p2.X
		if hitY, ok := collide(prev, ball, *p2, face, SideRight); ok {
			ball.X = face - ball.Radius
			ball.DX = -ball.DX
			ball.DY += deflection(hitY, *p2, params.Deflection)
			res.PaddleHit = SideRight
		}
	}

	if res.PaddleHit == SideNone {
		switch {
		case ball.X > canvas.Width:
			res.Scored = SideLeft
			ball = Rest(canvas, ball.Radius)
		case ball.X < 0:
			res.Scored = SideRight
			ball = Rest(canvas, ball.Radius)
		}
	}

	res.Ball = ball
	return res
}

// collide reports whether the ball touches the paddle during this step and
// the ball's y at the moment of contact. The ball must have started the step
// in front of the paddle face; a ball already behind a paddle cannot bounce
// off it.
func collide(prev, next model.Ball, p model.Paddle, face float64, side Side) (float64, bool) {
	var prevEdge, nextEdge float64
	switch side {
	case SideLeft:
		if prev.X < face {
			return 0, false
		}
		prevEdge, nextEdge = prev.X-prev.Radius, next.X-next.Radius
	case SideRight:
		if prev.X > face {
			return 0, false
		}
		prevEdge, nextEdge = prev.X+prev.Radius, next.X+next.Radius
	default:
		return 0, false
	}

	if overlaps(next, p) {
		return next.Y, true
	}

	// Swept test: the leading edge crossed the face plane within this step.
	crossed := (side == SideLeft && prevEdge >= face && nextEdge < face) ||
		(side == SideRight && prevEdge <= face && nextEdge > face)
	if !crossed {
		return 0, false
	}
	t := (prevEdge - face) / (prevEdge - nextEdge)
	y := prev.Y + t*(next.Y-prev.Y)
	if y+next.Radius >= p.Y && y-next.Radius <= p.Y+p.Height {
		return y, true
	}
	return 0, false
}

func overlaps(b model.Ball, p model.Paddle) bool {
	cx := clamp(b.X, p.X, p.X+p.Width)
	cy := clamp(b.Y, p.Y, p.Y+p.Height)
	dx, dy := b.X-cx, b.Y-cy
	return dx*dx+dy*dy <= b.Radius*b.Radius
}

func deflection(hitY float64, p model.Paddle, max float64) float64 {
	half := p.Height / 2
	if half <= 0 {
		return 0
	}
	return max * clamp((hitY-p.CenterY())/half, -1, 1)
}

// Rest returns a ball at the centre of the canvas with zero velocity.
func Rest(canvas model.Canvas, radius float64) model.Ball {
	return model.Ball{
		X:      canvas.Width / 2,
		Y:      canvas.Height / 2,
		Radius: radius,
	}
}

// Serve returns a centred ball moving toward the given side at fixed speed.
// angle is measured from the horizontal.
func Serve(canvas model.Canvas, radius, speed float64, toward Side, angle float64) model.Ball {
	ball := Rest(canvas, radius)
	dir := 1.0
	if toward == SideLeft {
		dir = -1
	}
	ball.DX = dir * speed * math.Cos(angle)
	ball.DY = speed * math.Sin(angle)
	return ball
}

// MovePaddle shifts the paddle vertically and clamps it into the canvas.
func MovePaddle(p *model.Paddle, delta float64, canvas model.Canvas) {
	p.Y = clamp(p.Y+delta, 0, canvas.Height-p.Height)
}

func PaddleInBounds(p model.Paddle, canvas model.Canvas) bool {
	return p.Y >= 0 && p.Y <= canvas.Height-p.Height
}

func BallFinite(b model.Ball) bool {
	return b.Position().Finite() && b.Velocity().Finite()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
