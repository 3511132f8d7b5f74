// Package realtime exposes the host over WebSocket and REST: viewers
// attach to sessions and receive the full replayed agent stream plus
// extracted todo/plan state, and drive sessions through the same socket.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"claude-bridge/internal/host"
	"claude-bridge/internal/protocol"
	"claude-bridge/internal/session"
	"claude-bridge/internal/watcher"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server manages WebSocket connections and routes messages between
// clients, the session host, and the file watcher.
type Server struct {
	host      *host.Host
	fileWatch *watcher.Watcher
	staticDir string

	clientsMu sync.RWMutex
	clients   map[*client]bool

	// attachments tracks which session streams a client is consuming.
	// key: client, value: map[sessionID]cancel
	attachMu    sync.Mutex
	attachments map[*client]map[string]context.CancelFunc
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	closeMu sync.Mutex
	closed  bool
}

// New creates a realtime server and subscribes it to the host's
// extracted-state streams.
func New(h *host.Host, fileWatch *watcher.Watcher, staticDir string) *Server {
	s := &Server{
		host:        h,
		fileWatch:   fileWatch,
		staticDir:   staticDir,
		clients:     make(map[*client]bool),
		attachments: make(map[*client]map[string]context.CancelFunc),
	}

	h.OnTodoUpdate(func(sessionID string, todos []protocol.TodoItem) {
		env, err := NewEnvelope(TypeSessionTodos, SessionTodosPayload{
			SessionID: sessionID,
			Todos:     todos,
		})
		if err != nil {
			return
		}
		s.broadcast(env)
	})
	h.OnPlanUpdate(func(sessionID, source, content string) {
		env, err := NewEnvelope(TypeSessionPlan, SessionPlanPayload{
			SessionID: sessionID,
			Source:    source,
			Plan:      content,
		})
		if err != nil {
			return
		}
		s.broadcast(env)
	})
	h.OnStateChange(func(sessionID string, _ session.Status) {
		if info, err := h.Describe(sessionID); err == nil {
			s.broadcastSessionUpdate(info)
		}
	})
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/prompt", s.handleSendPrompt)
	mux.HandleFunc("POST /sessions/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.attachMu.Lock()
	s.attachments[c] = make(map[string]context.CancelFunc)
	s.attachMu.Unlock()

	// Send current session list to new client.
	s.sendSessionList(c)

	go c.writePump()
	go c.readPump()
}

// sendSessionList sends the current session state to a client.
func (s *Server) sendSessionList(c *client) {
	for _, info := range s.host.List() {
		env, err := NewEnvelope(TypeSessionUpdate, updatePayload(info))
		if err != nil {
			continue
		}
		c.enqueue(env)
	}
}

func updatePayload(info host.Info) SessionUpdatePayload {
	return SessionUpdatePayload{
		ID:        info.ID,
		Status:    string(info.Status),
		WorkDir:   info.WorkDir,
		Label:     info.Label,
		CreatedAt: info.CreatedAt.Format(time.RFC3339Nano),
	}
}

func (c *client) enqueue(env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	// Attach goroutines may outlive the connection briefly; never send
	// on a closed channel.
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	// Cancel all stream attachments.
	s.attachMu.Lock()
	attached := s.attachments[c]
	delete(s.attachments, c)
	s.attachMu.Unlock()

	for _, cancel := range attached {
		cancel()
	}

	c.closeMu.Lock()
	c.closed = true
	close(c.send)
	c.closeMu.Unlock()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case TypeSessionCreate:
		s.handleWSCreateSession(c, msg)
	case TypeSessionPrompt:
		s.handleWSPrompt(c, msg)
	case TypeSessionInterrupt:
		s.handleWSInterrupt(c, msg)
	case TypeSessionKill:
		s.handleWSKill(c, msg)
	case TypeSessionAttach:
		s.handleWSAttach(c, msg)
	case TypeFilesRequestTree:
		s.handleWSFilesTree(c, msg)
	}
}

func (s *Server) handleWSCreateSession(c *client, msg *Envelope) {
	var payload SessionCreatePayload
	json.Unmarshal(msg.Payload, &payload)

	info, err := s.host.Create(context.Background(), payload.WorkDir, payload.Label)
	if err != nil {
		s.sendError(c, ErrSpawnFailed, err.Error())
		return
	}

	// Start file watching.
	if s.fileWatch != nil {
		if err := s.fileWatch.Watch(info.ID, info.WorkDir); err != nil {
			log.Printf("failed to start file watcher for session %s: %v", info.ID, err)
		}
	}

	// Broadcast session update to all clients.
	s.broadcastSessionUpdate(info)

	// The creating client follows the stream right away.
	s.attachClient(c, info.ID)
}

func (s *Server) handleWSPrompt(c *client, msg *Envelope) {
	var payload SessionPromptPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.host.Prompt(context.Background(), payload.SessionID, payload.Prompt); err != nil {
		code := ErrSendFailed
		if _, ok := s.host.Get(payload.SessionID); !ok {
			code = ErrSessionNotFound
		}
		s.sendError(c, code, err.Error())
	}
}

func (s *Server) handleWSInterrupt(c *client, msg *Envelope) {
	var payload SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.host.Interrupt(context.Background(), payload.SessionID); err != nil {
		s.sendError(c, ErrSessionNotFound, err.Error())
	}
}

func (s *Server) handleWSKill(c *client, msg *Envelope) {
	var payload SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.host.Kill(context.Background(), payload.SessionID); err != nil {
		s.sendError(c, ErrSessionNotFound, err.Error())
		return
	}
	if s.fileWatch != nil {
		s.fileWatch.Unwatch(payload.SessionID)
	}
	if info, err := s.host.Describe(payload.SessionID); err == nil {
		s.broadcastSessionUpdate(info)
	}
}

func (s *Server) handleWSAttach(c *client, msg *Envelope) {
	var payload SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)
	s.attachClient(c, payload.SessionID)
}

func (s *Server) handleWSFilesTree(c *client, msg *Envelope) {
	var payload SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	info, err := s.host.Describe(payload.SessionID)
	if err != nil {
		s.sendError(c, ErrSessionNotFound, err.Error())
		return
	}

	tree := watcher.BuildFileTree(info.WorkDir, 3)

	env, err := NewEnvelope(TypeFilesTree, FilesTreePayload{
		SessionID: payload.SessionID,
		Tree:      tree,
	})
	if err != nil {
		return
	}
	c.enqueue(env)
}

// attachClient starts streaming a session's messages to a client. The
// iterator replays everything the session has buffered, so a viewer that
// attaches late still sees the full history.
func (s *Server) attachClient(c *client, sessionID string) {
	sess, ok := s.host.Get(sessionID)
	if !ok {
		s.sendError(c, ErrSessionNotFound, "session not found: "+sessionID)
		return
	}

	it, err := sess.Events()
	if err != nil {
		s.sendError(c, ErrAttachFailed, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.attachMu.Lock()
	attached, tracked := s.attachments[c]
	if !tracked || attached[sessionID] != nil {
		s.attachMu.Unlock()
		cancel()
		return // Client gone or already attached.
	}
	attached[sessionID] = cancel
	s.attachMu.Unlock()

	go func() {
		defer cancel()
		for {
			m, ok, err := it.Next(ctx)
			if !ok {
				if err != nil && ctx.Err() == nil {
					s.sendError(c, ErrAttachFailed, err.Error())
				}
				if info, derr := s.host.Describe(sessionID); derr == nil {
					env, eerr := NewEnvelope(TypeSessionUpdate, updatePayload(info))
					if eerr == nil {
						c.enqueue(env)
					}
				}
				return
			}
			data, merr := json.Marshal(m)
			if merr != nil {
				continue
			}
			env, eerr := NewEnvelope(TypeSessionMessage, SessionMessagePayload{
				SessionID: sessionID,
				Kind:      m.MessageType(),
				Message:   data,
			})
			if eerr != nil {
				continue
			}
			c.enqueue(env)
		}
	}()
}

// broadcastSessionUpdate sends a session update to all connected clients.
func (s *Server) broadcastSessionUpdate(info host.Info) {
	env, err := NewEnvelope(TypeSessionUpdate, updatePayload(info))
	if err != nil {
		return
	}
	s.broadcast(env)
}

// broadcast sends an envelope to all connected clients.
func (s *Server) broadcast(env *Envelope) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.enqueue(env)
	}
}

func (s *Server) sendError(c *client, code, message string) {
	env, err := NewErrorEnvelope(code, message)
	if err != nil {
		return
	}
	c.enqueue(env)
}

// OnFileActivity is the callback for the file watcher.
func (s *Server) OnFileActivity(sessionID string, fileCount int) {
	env, err := NewEnvelope(TypeFilesUpdate, FilesUpdatePayload{
		SessionID: sessionID,
		FileCount: fileCount,
	})
	if err != nil {
		return
	}
	s.broadcast(env)
}
