// Package config resolves server settings from defaults, an optional YAML
// file and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/adwski/pong-server/backend/match"
	"github.com/adwski/pong-server/backend/model"
	"github.com/adwski/pong-server/backend/physics"
)

const (
	maxTicksPerSecond = 1000
)

var (
	ErrInvalid = errors.New("invalid configuration")
)

type Config struct {
	API struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"api"`

	WebSocket struct {
		ListenAddr string `yaml:"listen_addr"`
		// TXBuffer is the outbound queue length of every connection.
		TXBuffer int `yaml:"tx_buffer"`
		// MoveRate is the sustained movePlayer rate per connection, per second.
		MoveRate  float64 `yaml:"move_rate"`
		MoveBurst int     `yaml:"move_burst"`
	} `yaml:"websocket"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Game struct {
		TicksPerSecond int     `yaml:"ticks_per_second"`
		CanvasWidth    float64 `yaml:"canvas_width"`
		CanvasHeight   float64 `yaml:"canvas_height"`
		PaddleWidth    float64 `yaml:"paddle_width"`
		PaddleHeight   float64 `yaml:"paddle_height"`
		BallRadius     float64 `yaml:"ball_radius"`
		ServeSpeed     float64 `yaml:"serve_speed"`
		MaxServeAngle  float64 `yaml:"max_serve_angle_deg"`
		Deflection     float64 `yaml:"deflection"`
		PaddleStep     float64 `yaml:"paddle_step"`
		MaxPaddleStep  float64 `yaml:"max_paddle_step"`
		WinThreshold   int     `yaml:"win_threshold"`
		// Seed of the first match; 0 picks one from the wall clock.
		Seed uint64 `yaml:"seed"`
	} `yaml:"game"`

	Broadcast struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"broadcast"`

	NATS struct {
		// URL of the results broker; empty disables publishing.
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`
}

func Default() *Config {
	cfg := &Config{}
	cfg.API.ListenAddr = ":8080"
	cfg.WebSocket.ListenAddr = ":8888"
	cfg.WebSocket.TXBuffer = 64
	cfg.WebSocket.MoveRate = 120
	cfg.WebSocket.MoveBurst = 10
	cfg.Log.Level = "debug"

	cfg.Game.TicksPerSecond = 60
	cfg.Game.CanvasWidth = 800
	cfg.Game.CanvasHeight = 600
	cfg.Game.PaddleWidth = 10
	cfg.Game.PaddleHeight = 100
	cfg.Game.BallRadius = 10
	cfg.Game.ServeSpeed = 6
	cfg.Game.MaxServeAngle = 30
	cfg.Game.Deflection = 3
	cfg.Game.PaddleStep = 12
	cfg.Game.MaxPaddleStep = 24
	cfg.Game.WinThreshold = 5

	cfg.Broadcast.Timeout = 100 * time.Millisecond
	cfg.NATS.Subject = "pong.results"
	return cfg
}

// Load parses args (without the program name). Values from --config are
// applied first so that explicit flags override them.
func Load(args []string) (*Config, error) {
	cfg := Default()
	var path string

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	fs.StringVarP(&path, "config", "c", "", "path to YAML config file")
	fs.StringVarP(&cfg.API.ListenAddr, "api-listen-addr", "a", cfg.API.ListenAddr, "api listen address")
	fs.StringVarP(&cfg.WebSocket.ListenAddr, "ws-listen-addr", "w", cfg.WebSocket.ListenAddr, "websocket game listen address")
	fs.IntVar(&cfg.WebSocket.TXBuffer, "ws-tx-buffer", cfg.WebSocket.TXBuffer, "outbound queue length per connection")
	fs.Float64Var(&cfg.WebSocket.MoveRate, "ws-move-rate", cfg.WebSocket.MoveRate, "movePlayer messages per second accepted from a connection")
	fs.IntVar(&cfg.WebSocket.MoveBurst, "ws-move-burst", cfg.WebSocket.MoveBurst, "movePlayer burst accepted from a connection")
	fs.StringVarP(&cfg.Log.Level, "log-level", "l", cfg.Log.Level, "log level")
	fs.IntVar(&cfg.Game.TicksPerSecond, "ticks-per-second", cfg.Game.TicksPerSecond, "simulation rate of every match")
	fs.Float64Var(&cfg.Game.CanvasWidth, "canvas-width", cfg.Game.CanvasWidth, "canvas width")
	fs.Float64Var(&cfg.Game.CanvasHeight, "canvas-height", cfg.Game.CanvasHeight, "canvas height")
	fs.Float64Var(&cfg.Game.PaddleWidth, "paddle-width", cfg.Game.PaddleWidth, "paddle width")
	fs.Float64Var(&cfg.Game.PaddleHeight, "paddle-height", cfg.Game.PaddleHeight, "paddle height")
	fs.Float64Var(&cfg.Game.BallRadius, "ball-radius", cfg.Game.BallRadius, "ball radius")
	fs.Float64Var(&cfg.Game.ServeSpeed, "serve-speed", cfg.Game.ServeSpeed, "ball speed per tick after a serve")
	fs.Float64Var(&cfg.Game.MaxServeAngle, "max-serve-angle", cfg.Game.MaxServeAngle, "max serve angle from horizontal, degrees")
	fs.Float64Var(&cfg.Game.Deflection, "deflection", cfg.Game.Deflection, "dy added by a paddle edge hit")
	fs.Float64Var(&cfg.Game.PaddleStep, "paddle-step", cfg.Game.PaddleStep, "paddle movement per up/down command")
	fs.Float64Var(&cfg.Game.MaxPaddleStep, "max-paddle-step", cfg.Game.MaxPaddleStep, "largest paddle movement accepted per tick")
	fs.IntVar(&cfg.Game.WinThreshold, "win-threshold", cfg.Game.WinThreshold, "points needed to win")
	fs.Uint64Var(&cfg.Game.Seed, "seed", cfg.Game.Seed, "serve randomness seed, 0 for random")
	fs.DurationVar(&cfg.Broadcast.Timeout, "broadcast-timeout", cfg.Broadcast.Timeout, "max wait on a slow connection")
	fs.StringVar(&cfg.NATS.URL, "nats-url", cfg.NATS.URL, "NATS url for match results, empty to disable")
	fs.StringVar(&cfg.NATS.Subject, "nats-subject", cfg.NATS.Subject, "NATS subject for match results")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
		// Flags take precedence over the file.
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err = yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}
	g := c.Game
	check(g.TicksPerSecond > 0 && g.TicksPerSecond <= maxTicksPerSecond,
		fmt.Sprintf("ticks_per_second must be within [1, %d]", maxTicksPerSecond))
	check(g.CanvasWidth > 0 && g.CanvasHeight > 0, "canvas size must be positive")
	check(g.PaddleWidth > 0 && g.PaddleHeight > 0, "paddle size must be positive")
	check(g.PaddleHeight < g.CanvasHeight, "paddle must be shorter than the canvas")
	check(2*g.PaddleWidth < g.CanvasWidth, "paddles must fit side by side")
	check(g.BallRadius > 0, "ball radius must be positive")
	check(2*g.BallRadius < g.CanvasHeight, "ball must fit into the canvas")
	check(g.ServeSpeed > 0, "serve speed must be positive")
	check(g.MaxServeAngle >= 0 && g.MaxServeAngle < 80, "max serve angle must be within [0, 80) degrees")
	check(g.Deflection >= 0, "deflection must not be negative")
	check(g.PaddleStep > 0, "paddle step must be positive")
	check(g.MaxPaddleStep >= g.PaddleStep, "max paddle step must not be below paddle step")
	check(g.WinThreshold > 0, "win threshold must be positive")
	check(c.WebSocket.TXBuffer >= 0, "tx buffer must not be negative")
	check(c.WebSocket.MoveRate > 0 && c.WebSocket.MoveBurst > 0, "move rate and burst must be positive")
	check(c.Broadcast.Timeout > 0, "broadcast timeout must be positive")
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrInvalid}, errs...)...)
}

// MatchSettings converts the game section into per-match settings. Seed is
// left for the caller to assign per match.
func (c *Config) MatchSettings() match.Settings {
	g := c.Game
	return match.Settings{
		Canvas:       model.Canvas{Width: g.CanvasWidth, Height: g.CanvasHeight},
		PaddleWidth:  g.PaddleWidth,
		PaddleHeight: g.PaddleHeight,
		BallRadius:   g.BallRadius,
		Physics: physics.Params{
			ServeSpeed:    g.ServeSpeed,
			MaxServeAngle: g.MaxServeAngle * math.Pi / 180,
			Deflection:    g.Deflection,
		},
		MaxPaddleStep: g.MaxPaddleStep,
		WinThreshold:  g.WinThreshold,
		TickInterval:  time.Second / time.Duration(g.TicksPerSecond),
	}
}
