// Package transport carries the framed binary protocol over a websocket
// connection, multiplexing the datagram and reliable-stream halves of the
// wire format onto a single socket (spec.md §6 names an encrypted
// UDP-based transport; websocket is the teacher's own transport choice,
// adapted here to also frame stream chunks by sniffing the codec's own
// stream magic prefix rather than opening a second connection per session).
package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"muruntime/internal/domain"
	"muruntime/internal/telemetry"
)

// Dispatcher is CoreRuntime's ingress surface a connection's read loop
// drives. *runtime.Runtime satisfies it.
type Dispatcher interface {
	HandleDatagram(frame []byte, transportEndpoint string) ([]byte, domain.SessionID)
	// HandleStreamChunk's second return reports that a codec-level error
	// corrupted the stream framing; the caller must reset the connection
	// rather than keep reading from it (spec.md §7).
	HandleStreamChunk(sessionID domain.SessionID, chunk []byte) (replies [][]byte, reset bool)
}

const streamMagic = "MU"

// Config tunes the websocket upgrade and per-write deadline.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	WriteWait       time.Duration
}

// DefaultConfig returns spec.md §6-aligned defaults.
func DefaultConfig() Config {
	return Config{ReadBufferSize: 4096, WriteBufferSize: 4096, WriteWait: 10 * time.Second}
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(writeWait time.Duration, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Server upgrades incoming HTTP requests to websockets and implements
// runtime.Broadcaster over the resulting connection registry, grounded on
// the teacher's hub subscriber map (per-connection write mutex, registry
// guarded by one RWMutex) generalized from a single player map to a
// two-level session/instance index.
type Server struct {
	dispatcher Dispatcher
	logger     telemetry.Logger
	cfg        Config
	upgrader   websocket.Upgrader

	mu               sync.RWMutex
	sessions         map[domain.SessionID]*conn
	sessionInstance  map[domain.SessionID]domain.InstanceID
	instanceSessions map[domain.InstanceID]map[domain.SessionID]struct{}
}

// NewServer constructs a transport Server driving dispatcher.
func NewServer(dispatcher Dispatcher, logger telemetry.Logger, cfg Config) *Server {
	if logger == nil {
		logger = telemetry.WrapLogger(nil)
	}
	return &Server{
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions:         make(map[domain.SessionID]*conn),
		sessionInstance:  make(map[domain.SessionID]domain.InstanceID),
		instanceSessions: make(map[domain.InstanceID]map[domain.SessionID]struct{}),
	}
}

// ServeHTTP upgrades the request and drives the connection's read loop
// until it errors or the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("transport: upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	c := &conn{ws: ws}
	endpoint := r.RemoteAddr
	var sessionID domain.SessionID

	defer func() {
		if sessionID != "" {
			s.forget(sessionID)
		}
		ws.Close()
	}()

	for {
		msgType, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		if len(payload) >= len(streamMagic) && string(payload[:len(streamMagic)]) == streamMagic {
			if sessionID == "" {
				s.logger.Printf("transport: stream frame before hello from %s, dropping", endpoint)
				continue
			}
			replies, reset := s.dispatcher.HandleStreamChunk(sessionID, payload)
			for _, reply := range replies {
				if err := c.write(s.cfg.WriteWait, reply); err != nil {
					return
				}
			}
			if reset {
				s.logger.Printf("transport: resetting connection %s after stream codec error", endpoint)
				return
			}
			continue
		}

		reply, bound := s.dispatcher.HandleDatagram(payload, endpoint)
		if bound != "" {
			sessionID = bound
			s.register(sessionID, c)
		}
		if reply != nil {
			if err := c.write(s.cfg.WriteWait, reply); err != nil {
				return
			}
		}
	}
}

func (s *Server) register(sessionID domain.SessionID, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = c
}

func (s *Server) forget(sessionID domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	if instID, ok := s.sessionInstance[sessionID]; ok {
		delete(s.sessionInstance, sessionID)
		if set := s.instanceSessions[instID]; set != nil {
			delete(set, sessionID)
		}
	}
}

// Send implements runtime.Broadcaster: pushes a frame outside the request's
// own read-loop goroutine (e.g. a MapTransfer grant or a tick's StateDelta).
func (s *Server) Send(sessionID domain.SessionID, frame []byte) {
	s.mu.RLock()
	c := s.sessions[sessionID]
	s.mu.RUnlock()
	if c == nil {
		return
	}
	if err := c.write(s.cfg.WriteWait, frame); err != nil {
		s.forget(sessionID)
	}
}

// BroadcastInstance implements runtime.Broadcaster (its method set is also
// exactly mapserver.Broadcaster's).
func (s *Server) BroadcastInstance(instanceID domain.InstanceID, frame []byte, except domain.SessionID) {
	s.mu.RLock()
	targets := make([]domain.SessionID, 0, len(s.instanceSessions[instanceID]))
	for sessionID := range s.instanceSessions[instanceID] {
		if sessionID != except {
			targets = append(targets, sessionID)
		}
	}
	s.mu.RUnlock()
	for _, sessionID := range targets {
		s.Send(sessionID, frame)
	}
}

// Bind implements runtime.Broadcaster: records that sessionID is now
// attached to instanceID, so a later BroadcastInstance reaches it.
func (s *Server) Bind(sessionID domain.SessionID, instanceID domain.InstanceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prevInst, ok := s.sessionInstance[sessionID]; ok {
		if set := s.instanceSessions[prevInst]; set != nil {
			delete(set, sessionID)
		}
	}
	s.sessionInstance[sessionID] = instanceID
	set, ok := s.instanceSessions[instanceID]
	if !ok {
		set = make(map[domain.SessionID]struct{})
		s.instanceSessions[instanceID] = set
	}
	set[sessionID] = struct{}{}
}

// Unbind implements runtime.Broadcaster.
func (s *Server) Unbind(sessionID domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if instID, ok := s.sessionInstance[sessionID]; ok {
		delete(s.sessionInstance, sessionID)
		if set := s.instanceSessions[instID]; set != nil {
			delete(set, sessionID)
		}
	}
}

// ConnectionCount reports the number of live registered sessions, for
// httpapi's /runtime/stats.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
