package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/pong-server/backend/model"
)

const (
	defaultFwdTimout = 100 * time.Millisecond
)

var (
	ErrNotDelivered = errors.New("announcement was not delivered to any endpoint")
)

type (
	// Handler consumes announcements received from a connection.
	Handler interface {
		HandleAnnouncement(ctx context.Context, ann model.Announcement)
	}

	Config struct {
		Logger *zerolog.Logger
		// Timeout bounds how long a broadcast waits on a full outbound wire.
		Timeout time.Duration
	}

	// Switch holds the wires of connected endpoints. Announcements sent to a
	// single endpoint keep the order in which Broadcast was called.
	Switch struct {
		logger  zerolog.Logger
		mx      *sync.RWMutex
		fwd     map[string]peer
		timeout time.Duration
	}

	peer struct {
		wire   model.Wire
		cancel context.CancelFunc
		// done is closed when the inbound forwarder has returned.
		done chan struct{}
	}
)

func NewSwitch(cfg Config) *Switch {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFwdTimout
	}
	return &Switch{
		logger:  cfg.Logger.With().Str("component", "switch").Logger(),
		mx:      &sync.RWMutex{},
		fwd:     make(map[string]peer),
		timeout: timeout,
	}
}

// Disconnect removes the endpoint and waits until the announcement it was
// handling, if any, has been processed. It must not be called from a Handler.
func (sw *Switch) Disconnect(endpoint string) error {
	sw.mx.Lock()
	ep, ok := sw.fwd[endpoint]
	delete(sw.fwd, endpoint)
	sw.mx.Unlock()

	if ok {
		ep.cancel()
		<-ep.done
	}
	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint disconnected")
	return nil
}

// Connect registers the endpoint wire and forwards everything it receives
// to h until ctx is done or the endpoint is disconnected.
func (sw *Switch) Connect(ctx context.Context, endpoint string, wire model.Wire, h Handler) error {
	fwdCtx, cancel := context.WithCancel(ctx)
	ep := peer{wire: wire, cancel: cancel, done: make(chan struct{})}

	sw.mx.Lock()
	if prev, ok := sw.fwd[endpoint]; ok {
		prev.cancel()
	}
	sw.fwd[endpoint] = ep
	sw.mx.Unlock()

	go func() {
		defer close(ep.done)
		sw.forwardAnnouncements(fwdCtx, endpoint, wire.RX, h)
	}()
	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint connected")
	return nil
}

func (sw *Switch) Connected(endpoint string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	_, ok := sw.fwd[endpoint]
	return ok
}

func (sw *Switch) Count() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.fwd)
}

func (sw *Switch) forwardAnnouncements(ctx context.Context, endpoint string, rx <-chan model.Announcement, h Handler) {
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case ann, ok := <-rx:
			if !ok {
				break fwdLoop
			}
			if ann.SRC == "" {
				sw.logger.Error().
					Str("endpoint", endpoint).
					Msg("announcement with empty src")
				continue
			}
			// An announcement already taken off the wire is handled in
			// full even if the endpoint is going away.
			h.HandleAnnouncement(context.WithoutCancel(ctx), ann)
		}
	}
}

// Broadcast sends ann to every listed endpoint. It fails with
// ErrNotDelivered only if none of them received it.
func (sw *Switch) Broadcast(ctx context.Context, ann model.Announcement, dsts ...string) error {
	var sent int
	for _, dst := range dsts {
		ann.DST = dst
		if sw.forward(ctx, ann) {
			sent++
		}
	}
	if sent == 0 && len(dsts) > 0 {
		return ErrNotDelivered
	}
	return nil
}

func (sw *Switch) forward(ctx context.Context, ann model.Announcement) bool {
	sw.mx.RLock()
	ep, ok := sw.fwd[ann.DST]
	sw.mx.RUnlock()

	logger := sw.logger.With().
		Str("type", ann.Type).
		Str("src", ann.SRC).
		Logger()
	if !ok {
		logger.Debug().Str("dst", ann.DST).Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, ann, ep.wire.TX, sw.timeout, &logger)
	return sent
}

func send(ctx context.Context, ann model.Announcement, tx chan<- model.Announcement, timeout time.Duration, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(timeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", ann.DST).Msg("dead endpoint")
	case tx <- ann:
		logger.Trace().Str("dst", ann.DST).Msg("announce is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
