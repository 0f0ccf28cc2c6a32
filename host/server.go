// Package host serves terminal sessions to paired clients: one shared
// session every client joins, and private shells per client.
package host

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"termlink/network"
)

const (
	// ServiceName is reported by the health endpoint.
	ServiceName = "termlink"
	// MaxInputMessageSize bounds one inbound client message.
	MaxInputMessageSize = 64 << 10

	defaultInputRate  = 200
	defaultInputBurst = 400
	shutdownTimeout   = 5 * time.Second
)

// Options controls Server behavior.
type Options struct {
	Backend Backend
	// InputRate is the sustained number of input messages per second
	// accepted from one client; Burst is the bucket size.
	InputRate  float64
	InputBurst int
	Version    string
}

// Server exposes the session and health endpoints.
type Server struct {
	backend    Backend
	shared     *SharedSession
	inputRate  rate.Limit
	inputBurst int
	version    string

	active atomic.Int64
	router chi.Router
}

// NewServer wires the endpoints around options.Backend.
func NewServer(options Options) *Server {
	if options.InputRate <= 0 {
		options.InputRate = defaultInputRate
	}
	if options.InputBurst <= 0 {
		options.InputBurst = defaultInputBurst
	}

	s := &Server{
		backend:    options.Backend,
		shared:     NewSharedSession(options.Backend),
		inputRate:  rate.Limit(options.InputRate),
		inputBurst: options.InputBurst,
		version:    options.Version,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(network.HealthPath, s.handleHealth)
	r.Get(network.SharedSessionPath, s.handleShared)
	r.Get(network.PrivateSessionPath, s.handlePrivate)
	s.router = r
	return s
}

// Handler returns the HTTP handler for all endpoints.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ActiveSessions reports the number of connected session clients.
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

// Serve accepts TLS connections on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener, certificate tls.Certificate) error {
	srv := &http.Server{
		Handler: s.router,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{certificate},
			MinVersion:   tls.VersionTLS12,
		},
		// Session streams need HTTP/1.1 upgrades.
		TLSNextProto:      make(map[string]func(*http.Server, *tls.Conn, http.Handler)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ServeTLS(listener, "", "")
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.shared.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the shared session.
func (s *Server) Close() error {
	return s.shared.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(network.HealthStatus{
		Status:   "ok",
		Service:  ServiceName,
		Version:  s.version,
		Sessions: s.ActiveSessions(),
	})
}

func (s *Server) handleShared(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("Failed to accept shared session websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(MaxInputMessageSize)

	member, err := s.shared.Join(r.Context())
	if err != nil {
		log.Printf("Shared session join failed: %v", err)
		conn.Close(websocket.StatusInternalError, "Failed to start shared session")
		return
	}
	defer s.shared.Leave(member)

	s.active.Add(1)
	defer s.active.Add(-1)
	log.Printf("Client joined shared session: %s", r.RemoteAddr)
	defer log.Printf("Client left shared session: %s", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for text := range member.Output() {
			if err := conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusGoingAway, "Shared session ended")
	}()

	s.relayInput(ctx, conn, s.shared.Write)
}

func (s *Server) handlePrivate(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("Failed to accept private session websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(MaxInputMessageSize)

	term, err := s.backend.StartPrivate(r.Context())
	if err != nil {
		log.Printf("Private session start failed: %v", err)
		conn.Close(websocket.StatusInternalError, "Failed to start shell")
		return
	}
	defer term.Close()

	s.active.Add(1)
	defer s.active.Add(-1)
	log.Printf("Private session started: %s", r.RemoteAddr)
	defer log.Printf("Private session ended: %s", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		var decoder textDecoder
		buf := make([]byte, 4096)
		for {
			n, err := term.Read(buf)
			if n > 0 {
				if text := decoder.decode(buf[:n]); text != "" {
					if werr := conn.Write(ctx, websocket.MessageText, []byte(text)); werr != nil {
						return
					}
				}
			}
			if err != nil {
				conn.Close(websocket.StatusNormalClosure, "Shell exited")
				return
			}
		}
	}()

	s.relayInput(ctx, conn, func(data []byte) error {
		_, err := term.Write(data)
		return err
	})
}

// relayInput forwards rate-limited text messages to write until the client
// goes away or write fails.
func (s *Server) relayInput(ctx context.Context, conn *websocket.Conn, write func([]byte) error) {
	limiter := rate.NewLimiter(s.inputRate, s.inputBurst)
	for {
		messageType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if messageType != websocket.MessageText {
			continue
		}
		if !limiter.Allow() {
			continue
		}
		if err := write(data); err != nil {
			log.Printf("Session input failed: %v", err)
			return
		}
	}
}
