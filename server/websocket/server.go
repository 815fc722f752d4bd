// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

// Package websocket exposes the broker over WebSocket. Each accepted
// connection is wrapped in a broker.MessageChannel and handed to the
// broker's connection handler.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r3call/memsync/broker"
	"github.com/r3call/memsync/config"
)

// Server is the WebSocket front end.
type Server struct {
	config   config.ServerConfig
	broker   *broker.Broker
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	wg sync.WaitGroup
}

// New creates the server. The identity of each connection is taken from
// the X-User-ID header or the user query parameter; authentication is
// expected to happen upstream (gateway or reverse proxy).
func New(cfg config.ServerConfig, b *broker.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/sync"
	}

	s := &Server{
		config: cfg,
		broker: b,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	return s
}

// Listen serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Addr),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}
		s.wg.Wait()

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user")
	}
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Debug("websocket_connection_accepted",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_id", userID))

	ch := newWSChannel(ws, r.RemoteAddr, s.config)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ch.Close()
		// The request context is canceled as soon as this handler
		// returns; the connection's lifetime is bound to the socket.
		s.broker.HandleConnection(context.Background(), userID, ch)
	}()
}

// wsChannel implements broker.MessageChannel over a gorilla WebSocket.
// Reads happen only from the broker's receive loop; writes only from
// the connection's queue writer, so each side needs no extra locking
// beyond close coordination.
type wsChannel struct {
	ws           *websocket.Conn
	remoteAddr   string
	writeTimeout time.Duration
	pingInterval time.Duration

	closeOnce sync.Once
	closed    chan struct{}

	writeMu sync.Mutex // serializes data writes with keepalive pings
}

func newWSChannel(ws *websocket.Conn, remoteAddr string, cfg config.ServerConfig) *wsChannel {
	if cfg.ReadLimit > 0 {
		ws.SetReadLimit(cfg.ReadLimit)
	}

	c := &wsChannel{
		ws:           ws,
		remoteAddr:   remoteAddr,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		closed:       make(chan struct{}),
	}

	if cfg.PongTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		})
	}
	if cfg.PingInterval > 0 {
		go c.pingLoop()
	}

	return c
}

func (c *wsChannel) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsChannel) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("websocket: channel closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	// gorilla reads don't take a context; cancellation is delivered by
	// closing the socket, which unblocks ReadMessage.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

func (c *wsChannel) RemoteAddr() string { return c.remoteAddr }
