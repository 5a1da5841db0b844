package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soitun/effectai-engine/internal/domain"
	"github.com/soitun/effectai-engine/internal/registry"
	"github.com/soitun/effectai-engine/internal/security"
)

// Config configures the WebSocket transport.
type Config struct {
	Port         int
	Listen       []string // bind addresses; first entry is used
	Announce     []string // advertised addresses, surfaced via the admin API
	WriteTimeout time.Duration
}

// DefaultConfig returns transport defaults.
func DefaultConfig() Config {
	return Config{
		Port:         19955,
		WriteTimeout: 10 * time.Second,
	}
}

// Server accepts worker and provider connections, runs the challenge
// handshake, and pumps frames through the router. It is the engine's
// OfferSender.
type Server struct {
	config   Config
	router   *Router
	registry *registry.Registry

	upgrader websocket.Upgrader
	http     *http.Server

	mu    sync.Mutex
	conns map[string]*peerConn
}

type peerConn struct {
	peerID  string
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewServer creates the transport server.
func NewServer(cfg Config, router *Router, reg *registry.Registry) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		config:   cfg,
		router:   router,
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*peerConn),
	}
}

// Addr returns the bind address.
func (s *Server) Addr() string {
	if len(s.config.Listen) > 0 {
		return s.config.Listen[0]
	}
	return fmt.Sprintf("0.0.0.0:%d", s.config.Port)
}

// Start begins listening. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	s.http = &http.Server{
		Addr:        s.Addr(),
		Handler:     mux,
		ReadTimeout: 0, // connections are long-lived
	}

	log.Printf("[p2p] listening on ws://%s", s.Addr())
	if err := s.http.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes the listener and every peer connection.
func (s *Server) Stop(ctx context.Context) {
	if s.http != nil {
		_ = s.http.Shutdown(ctx)
	}
	s.mu.Lock()
	conns := make([]*peerConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// handleWS upgrades a connection and runs the handshake + read loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[p2p] upgrade failed: %v", err)
		return
	}

	peerID, err := s.handshake(ws)
	if err != nil {
		log.Printf("[p2p] handshake failed: %v", err)
		_ = ws.Close()
		return
	}

	conn := &peerConn{peerID: peerID, ws: ws}
	s.mu.Lock()
	if old := s.conns[peerID]; old != nil {
		_ = old.ws.Close()
	}
	s.conns[peerID] = conn
	s.mu.Unlock()

	s.registry.Connect(peerID)
	log.Printf("[p2p] peer connected: %s", shortID(peerID))

	s.readLoop(conn)

	// A replacing connection may already own this peer id; only the owner
	// tears down registry state.
	s.mu.Lock()
	owned := s.conns[peerID] == conn
	if owned {
		delete(s.conns, peerID)
	}
	s.mu.Unlock()
	if owned {
		s.registry.Disconnect(peerID)
		log.Printf("[p2p] peer disconnected: %s", shortID(peerID))
	}
}

// handshake proves the peer owns its claimed key: the server sends a random
// challenge, the peer replies with its public key and a signature over it.
func (s *Server) handshake(ws *websocket.Conn) (string, error) {
	challenge, err := security.NewChallenge()
	if err != nil {
		return "", err
	}

	env := NewEnvelope(MsgChallenge, Challenge{Challenge: challenge})
	_ = ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := ws.WriteJSON(env); err != nil {
		return "", fmt.Errorf("send challenge: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(30 * time.Second))
	var reply Envelope
	if err := ws.ReadJSON(&reply); err != nil {
		return "", fmt.Errorf("read hello: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	if reply.Type != MsgHello {
		return "", fmt.Errorf("expected hello, got %q", reply.Type)
	}
	var hello Hello
	if err := json.Unmarshal(reply.Payload, &hello); err != nil {
		return "", fmt.Errorf("decode hello: %w", err)
	}
	return security.VerifyPeer(hello.PublicKey, challenge, hello.Signature)
}

func (s *Server) readLoop(conn *peerConn) {
	for {
		var env Envelope
		if err := conn.ws.ReadJSON(&env); err != nil {
			return
		}
		reply := s.router.Handle(conn.peerID, env)
		if err := s.write(conn, reply); err != nil {
			return
		}
	}
}

func (s *Server) write(conn *peerConn, env Envelope) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	_ = conn.ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return conn.ws.WriteJSON(env)
}

// SendOffer pushes a task offer to a connected worker. Implements
// tasks.OfferSender.
func (s *Server) SendOffer(peerID string, task domain.Task) error {
	s.mu.Lock()
	conn := s.conns[peerID]
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("peer %s not connected", shortID(peerID))
	}
	return s.write(conn, NewEnvelope(MsgTaskOffer, task))
}

// Disconnect forcibly closes a peer's connection. Used when a peer exceeds
// the proof failure threshold.
func (s *Server) Disconnect(peerID string) {
	s.mu.Lock()
	conn := s.conns[peerID]
	s.mu.Unlock()
	if conn != nil {
		_ = conn.ws.Close()
	}
}

func shortID(peerID string) string {
	if len(peerID) > 16 {
		return peerID[:16]
	}
	return peerID
}
