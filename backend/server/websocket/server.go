package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/pong-server/backend/model"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultGameSessionCloseTimeout = 2 * time.Second
	defaultTXBuffer                = 64

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	GameService interface {
		CreateSession(ctx context.Context, connID, login string, wire model.Wire) error
		DeleteSession(ctx context.Context, connID string) error
	}

	Config struct {
		Logger      *zerolog.Logger
		GameService GameService
		ListenAddr  string
		// TXBuffer is the outbound queue length of every connection.
		TXBuffer int
		// MoveRate and MoveBurst limit movePlayer announcements per connection.
		MoveRate  float64
		MoveBurst int
	}

	Server struct {
		svc       GameService
		ws        *websocket.Upgrader
		txBuffer  int
		moveRate  float64
		moveBurst int
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:      cfg.GameService,
		txBuffer:  cfg.TXBuffer,
		moveRate:  cfg.MoveRate,
		moveBurst: cfg.MoveBurst,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	// The login is a verified identity supplied by the authentication layer in front of us.
	mux.HandleFunc("GET /game/player/{login}", srv.play)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error, 1)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) play(w http.ResponseWriter, r *http.Request) {
	login := r.PathValue("login")
	if login == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	txBuffer := srv.txBuffer
	if txBuffer <= 0 {
		txBuffer = defaultTXBuffer
	}
	wire := model.NewWire(txBuffer)

	ctx, cancel := context.WithCancel(context.Background()) // long-living wire context

	err = srv.svc.CreateSession(ctx, connID, login, wire)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to create game session")
		cancel()
		webSocketCloser(conn, &srv.logger)
		return
	}
	srv.logger.Debug().
		Str("connID", connID).
		Str("login", login).
		Msg("game session created")

	gate := newInboundGate(srv.moveRate, srv.moveBurst)
	go srv.handleWSConn(ctx, cancel, conn, connID, login, wire, gate)
}

func (srv *Server) destroySession(connID string, logger *zerolog.Logger) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(defaultGameSessionCloseTimeout))
	defer cancel()
	err := srv.svc.DeleteSession(ctx, connID)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to delete game session")
		return
	}
	logger.Debug().Msg("game session ended")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	connID string,
	login string,
	wire model.Wire,
	gate *inboundGate,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("connID", connID).
		Str("login", login).
		Logger()

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, connID, wire.RX, gate, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.destroySession(connID, &logger)
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Announcement,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case msg, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := json.Marshal(&msg)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing message")
				break SendLoop
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	connID string,
	rx chan<- model.Announcement,
	gate *inboundGate,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var ann model.Announcement
			if wsErr = json.Unmarshal(msg, &ann); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to unmarshall incoming message")
				continue
			}
			if wsErr = gate.admit(ann); wsErr != nil {
				logger.Trace().Err(wsErr).Str("type", ann.Type).Msg("incoming message dropped")
				continue
			}
			ann.SRC = connID
			ann.DST = ""
			select {
			case rx <- ann:
			case <-ctx.Done():
				break RecvLoop
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
