package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"github.com/adwski/pong-server/backend/config"
	"github.com/adwski/pong-server/backend/match"
	"github.com/adwski/pong-server/backend/registry"
	"github.com/adwski/pong-server/backend/results/broker"
	httpServer "github.com/adwski/pong-server/backend/server/http"
	websocketServer "github.com/adwski/pong-server/backend/server/websocket"
	"github.com/adwski/pong-server/backend/service"
	sw "github.com/adwski/pong-server/backend/switch"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)
	logger.Trace().Msg(spew.Sdump(cfg))

	var results service.ResultSink
	if cfg.NATS.URL != "" {
		pub, errPub := broker.NewPublisher(broker.Config{
			Logger:  &logger,
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
		})
		if errPub != nil {
			logger.Fatal().Err(errPub).Msg("failed to connect to results broker")
		}
		defer pub.Close()
		results = pub
	}

	svc := service.NewService(service.Config{
		Switch: sw.NewSwitch(sw.Config{
			Logger:  &logger,
			Timeout: cfg.Broadcast.Timeout,
		}),
		Registry:   registry.New(),
		Settings:   cfg.MatchSettings(),
		PaddleStep: cfg.Game.PaddleStep,
		Seed:       cfg.Game.Seed,
		Clock:      match.RealClock{},
		Results:    results,
		Logger:     &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:       &logger,
		LobbyService: svc,
		ListenAddr:   cfg.API.ListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:      &logger,
		GameService: svc,
		ListenAddr:  cfg.WebSocket.ListenAddr,
		TXBuffer:    cfg.WebSocket.TXBuffer,
		MoveRate:    cfg.WebSocket.MoveRate,
		MoveBurst:   cfg.WebSocket.MoveBurst,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	svc.Close()
}
