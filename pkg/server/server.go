// Package server runs a WebSocket accept loop: it listens on a TCP
// (optionally TLS) port, performs the server handshake on each new
// connection, and dedicates a goroutine to its receive loop.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/tzrikka/cymbal/pkg/websocket"
)

// Handler bundles the server-wide callbacks, invoked with the
// connection they concern. Nil fields are no-ops.
type Handler struct {
	OnOpen    func(*Client)
	OnMessage func(*Client, *websocket.Message)
	OnClose   func(*Client, websocket.StatusCode, string)
	OnError   func(*Client, error)
}

// Client is one accepted connection, registered with the server for
// the duration of its receive loop.
type Client struct {
	// ID is a unique identifier of this connection, also used as the
	// "conn_id" field of its log entries.
	ID string

	*websocket.Conn
}

// Server manages multiple client connections over one listening port.
type Server struct {
	hostname    string
	port        int
	tlsCert     string
	tlsKey      string
	joinTimeout time.Duration

	config  websocket.Config
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	clients  map[string]*Client
	loops    sync.WaitGroup
}

// New constructs a server from CLI flags (see [Flags]) and the given
// callbacks. The WebSocket extensions are assembled from the relevant
// flags; a configured JWT secret gates every handshake with
// [BearerAuth].
func New(cmd *cli.Command, handler Handler) (*Server, error) {
	cfg := websocket.Config{
		Protocols:        cmd.StringSlice("subprotocols"),
		TrustedOrigins:   cmd.StringSlice("trusted-origins"),
		AllowedLocations: cmd.StringSlice("allowed-locations"),
	}

	if cmd.Bool("deflate-frame") {
		ext, err := websocket.DeflateFrame(websocket.Params{
			"max_window_bits":     cmd.Int("deflate-max-window-bits"),
			"no_context_takeover": cmd.Bool("deflate-no-context-takeover"),
		}, nil)
		if err != nil {
			return nil, err
		}
		cfg.Extensions = append(cfg.Extensions, ext)
	}

	if secret := cmd.String("jwt-secret"); secret != "" {
		cfg.Authorize = BearerAuth(secret)
	}

	return &Server{
		hostname:    cmd.String("ws-hostname"),
		port:        cmd.Int("ws-port"),
		tlsCert:     cmd.String("tls-cert"),
		tlsKey:      cmd.String("tls-key"),
		joinTimeout: cmd.Duration("join-timeout"),
		config:      cfg,
		handler:     handler,
		clients:     map[string]*Client{},
	}, nil
}

// Run listens for and serves WebSocket connections until the context
// is canceled or [Server.Shutdown] is called, then closes all the
// remaining connections gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.hostname, strconv.Itoa(s.port))
	ln, scheme, err := s.listen(addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Info().Msgf("WebSocket server listening at %s://%s", scheme, ln.Addr())

	context.AfterFunc(ctx, func() { _ = ln.Close() })

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			log.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		s.loops.Go(func() { s.serve(ctx, conn) })
	}

	s.quitGracefully()
	return nil
}

// listen opens the server's listening socket, TLS-wrapped when a
// certificate is configured.
func (s *Server) listen(addr string) (net.Listener, string, error) {
	if s.tlsCert == "" && s.tlsKey == "" {
		ln, err := net.Listen("tcp", addr)
		return ln, "ws", err
	}

	cert, err := tls.LoadX509KeyPair(s.tlsCert, s.tlsKey)
	if err != nil {
		return nil, "", err
	}

	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	ln, err := tls.Listen("tcp", addr, cfg)
	return ln, "wss", err
}

// serve performs the server handshake and drives one connection's
// receive loop to completion.
func (s *Server) serve(ctx context.Context, netConn net.Conn) {
	id := shortuuid.New()
	l := log.With().Str("conn_id", id).Stringer("peer", netConn.RemoteAddr()).Logger()

	client := &Client{ID: id}
	conn, err := websocket.Accept(ctx, netConn, s.config, websocket.Handler{
		OnMessage: func(_ *websocket.Conn, msg *websocket.Message) {
			if h := s.handler.OnMessage; h != nil {
				h(client, msg)
			}
		},
		OnClose: func(_ *websocket.Conn, status websocket.StatusCode, reason string) {
			s.removeClient(client, status, reason)
		},
		OnError: func(_ *websocket.Conn, err error) {
			l.Error().Err(err).Msg("connection error")
			if h := s.handler.OnError; h != nil {
				h(client, err)
			}
		},
	})
	if err != nil {
		l.Warn().Err(err).Msg("rejected connection")
		return
	}
	client.Conn = conn

	s.mu.Lock()
	s.clients[id] = client
	s.mu.Unlock()

	l.Debug().Msg("registered client")
	if h := s.handler.OnOpen; h != nil {
		h(client)
	}

	conn.ReceiveForever()
}

// removeClient unregisters a closed connection and reports it.
func (s *Server) removeClient(client *Client, status websocket.StatusCode, reason string) {
	s.mu.Lock()
	delete(s.clients, client.ID)
	s.mu.Unlock()

	log.Debug().Str("conn_id", client.ID).Stringer("close_status", status).
		Str("close_reason", reason).Msg("closed client connection")
	if h := s.handler.OnClose; h != nil {
		h(client, status, reason)
	}
}

// Broadcast sends a message to all currently registered connections.
func (s *Server) Broadcast(msg *websocket.Message) {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.Send(msg); err != nil {
			log.Warn().Err(err).Str("conn_id", c.ID).Msg("failed to broadcast message")
		}
	}
}

// Addr returns the address the server is listening on, or nil before
// [Server.Run] has opened the listener. Useful with port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the accept loop, which makes [Server.Run] close all
// remaining connections and return.
func (s *Server) Shutdown() {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
}

// quitGracefully initiates a closing handshake with every remaining
// client, and waits for their receive loops up to the join timeout.
func (s *Server) quitGracefully() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	// Send-only: each connection's own receive loop observes the
	// peer's answering CLOSE and completes the handshake.
	for _, c := range clients {
		if err := c.InitiateClose(websocket.StatusGoingAway, ""); err != nil {
			log.Warn().Err(err).Str("conn_id", c.ID).Msg("failed to send close frame")
		}
	}

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all client connections closed")
	case <-time.After(s.joinTimeout):
		log.Warn().Msg("timed out waiting for client connections to close")

		// Unblock the stragglers' receive loops.
		s.mu.Lock()
		for _, c := range s.clients {
			_ = c.Socket().Close()
		}
		s.mu.Unlock()
	}
}
