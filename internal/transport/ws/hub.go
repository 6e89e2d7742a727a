// Package ws pushes territory notifications to connected players.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/protocol"
)

type Config struct {
	Params protocol.ClaimParams
	// QueueSize bounds the per-session outbox; the oldest message is
	// dropped when it is full.
	QueueSize int
	// Token, when set, must be presented in HELLO.auth.token.
	Token  string
	Logger *log.Logger
	Now    func() time.Time
}

// Hub accepts player sessions and delivers NOTIFY messages to them.
// A player has at most one session; a new HELLO replaces the old one.
type Hub struct {
	cfg Config
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu       sync.Mutex
	sessions map[model.PlayerID]*session

	dropped atomic.Uint64
}

type session struct {
	id     string
	player model.PlayerID

	mu  sync.Mutex
	out chan []byte

	closed chan struct{}
	once   sync.Once
}

func NewHub(cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		cfg: cfg,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[model.PlayerID]*session{},
	}
}

// Online reports whether player has a live session.
func (h *Hub) Online(player model.PlayerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[player]
	return ok
}

func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Dropped counts messages discarded because a session queue was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Notify queues msg for player. Offline players miss the message.
func (h *Hub) Notify(player model.PlayerID, msg protocol.NotifyMsg) {
	msg.Type = protocol.TypeNotify
	msg.ProtocolVersion = protocol.Version
	msg.PlayerID = player.String()
	if msg.ServerTimeMS == 0 {
		msg.ServerTimeMS = h.cfg.Now().UnixMilli()
	}

	h.mu.Lock()
	s := h.sessions[player]
	h.mu.Unlock()
	if s == nil {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Printf("notify marshal: %v", err)
		return
	}
	if s.push(b) {
		h.dropped.Add(1)
	}
}

// push enqueues b, evicting the oldest entry when full. It reports whether
// something was evicted.
func (s *session) push(b []byte) (evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.out <- b:
			return evicted
		default:
		}
		select {
		case <-s.out:
			evicted = true
		default:
		}
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.closed) })
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s := h.handshake(conn)
		if s == nil {
			return
		}
		defer h.detach(s)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case <-s.closed:
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced"), time.Now().Add(time.Second))
					_ = conn.Close()
					return
				case b := <-s.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						return
					}
				}
			}
		}()

		// Reader loop: the session is push-only, reads keep the connection alive.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (h *Hub) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		reject(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		reject(conn, protocol.ErrProtoBadRequest, "bad HELLO")
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		reject(conn, protocol.ErrProtoBadRequest, "bad protocol_version")
		return nil
	}
	player, err := model.ParsePlayerID(hello.PlayerID)
	if err != nil {
		reject(conn, protocol.ErrProtoBadRequest, "bad player_id")
		return nil
	}
	if h.cfg.Token != "" && (hello.Auth == nil || hello.Auth.Token != h.cfg.Token) {
		reject(conn, protocol.ErrNoPermission, "bad token")
		return nil
	}

	s := &session{
		id:     "S" + strconv.FormatUint(h.nextID.Add(1), 10),
		player: player,
		out:    make(chan []byte, h.cfg.QueueSize),
		closed: make(chan struct{}),
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       s.id,
		PlayerID:        player.String(),
		ClaimParams:     h.cfg.Params,
	}

	// Registered before WELCOME so nothing sent after it is missed.
	h.mu.Lock()
	old := h.sessions[player]
	h.sessions[player] = s
	h.mu.Unlock()
	if old != nil {
		old.close()
	}
	if err := writeJSON(conn, welcome); err != nil {
		h.detach(s)
		return nil
	}
	h.log.Printf("session %s player=%s client=%q", s.id, player, hello.ClientName)
	return s
}

func (h *Hub) detach(s *session) {
	h.mu.Lock()
	if h.sessions[s.player] == s {
		delete(h.sessions, s.player)
	}
	h.mu.Unlock()
	s.close()
}

func reject(conn *websocket.Conn, code, message string) {
	_ = writeJSON(conn, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
