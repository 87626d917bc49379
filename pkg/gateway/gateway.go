// Package gateway implements the ConnectionGateway: a WebSocket relay that
// lets the bundle service reach workers sitting behind NAT. Workers dial
// out and hold a socket open; the service borrows a worker's socket,
// exchanges bytes over it, and gives it back.
package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/codalab-worker/pkg/log"
	"github.com/cuemby/codalab-worker/pkg/metrics"
	"github.com/cuemby/codalab-worker/pkg/security"
)

// DefaultIdleTimeout is how long a socket may sit "unavailable" before the
// gateway reclaims it for a new /server/connect request.
const DefaultIdleTimeout = 5 * time.Second

// holdOpenReadInterval bounds how long the hold-open loop's read deadline
// runs before it re-checks for a pending exchange; it is also the worst-case
// latency an exchange waits to acquire the socket's ioMu.
const holdOpenReadInterval = 200 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// socket is one worker-held WebSocket connection and its availability.
type socket struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	available bool
	lastUse   time.Time

	// ioMu serializes every read/write against conn between the hold-open
	// loop's keepalive and an active /send or /recv exchange. gorilla's
	// websocket.Conn forbids concurrent readers (and concurrent writers),
	// so only one side may touch conn at a time: the hold-open loop takes
	// it for one ping+read iteration at a time, and an exchange holds it
	// for its whole duration.
	ioMu sync.Mutex
}

// Gateway routes WebSocket connections between workers and the bundle
// service. The zero value is not usable; construct with New.
type Gateway struct {
	auth        security.GatewayAuth
	idleTimeout time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	sockets map[string]map[string]*socket // worker_id -> socket_id -> socket
}

// New constructs a Gateway that authenticates callers with auth.
func New(auth security.GatewayAuth) *Gateway {
	return &Gateway{
		auth:        auth,
		idleTimeout: DefaultIdleTimeout,
		logger:      log.WithComponent("gateway"),
		sockets:     make(map[string]map[string]*socket),
	}
}

// Router builds the mux.Router exposing the five gateway routes.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/worker/{worker_id}/{socket_id}", g.handleWorker)
	r.HandleFunc("/server/connect/{worker_id}", g.handleConnect)
	r.HandleFunc("/server/disconnect/{worker_id}/{socket_id}", g.handleDisconnect)
	r.HandleFunc("/send/{worker_id}/{socket_id}", g.handleSend)
	r.HandleFunc("/recv/{worker_id}/{socket_id}", g.handleRecv)
	return r
}

func (g *Gateway) handleWorker(w http.ResponseWriter, r *http.Request) {
	if !g.auth.Authenticate(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	vars := mux.Vars(r)
	workerID, socketID := vars["worker_id"], vars["socket_id"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("worker upgrade failed")
		return
	}

	s := &socket{conn: conn, available: true, lastUse: time.Now()}
	g.mu.Lock()
	if g.sockets[workerID] == nil {
		g.sockets[workerID] = make(map[string]*socket)
	}
	g.sockets[workerID][socketID] = s
	g.mu.Unlock()
	metrics.GatewaySocketsTotal.WithLabelValues("true").Inc()

	g.logger.Info().Str("worker_id", workerID).Str("socket_id", socketID).Msg("worker connected")

	defer func() {
		g.mu.Lock()
		delete(g.sockets[workerID], socketID)
		g.mu.Unlock()
		conn.Close()
	}()

	// Hold the connection open with periodic pings; the worker relies on
	// this to detect gateway-side disconnects and redial. Each iteration
	// takes s.ioMu only for the duration of one ping+read so an exchange
	// borrowing the socket (see exchange) can acquire it promptly rather
	// than queuing behind an indefinite blocking read.
	for {
		s.ioMu.Lock()
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
			s.ioMu.Unlock()
			return
		}
		conn.SetReadDeadline(time.Now().Add(holdOpenReadInterval))
		_, _, err := conn.NextReader()
		s.ioMu.Unlock()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
	}
}

func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !g.auth.Authenticate(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	workerID := mux.Vars(r)["worker_id"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("connect upgrade failed")
		return
	}
	defer conn.Close()

	socketID := g.claimSocket(workerID)
	conn.WriteJSON(struct {
		SocketID *string `json:"socket_id"`
	}{socketID})
}

// claimSocket marks one of a worker's sockets as taken and returns its ID:
// the first socket, in Go map iteration order, that is either available or
// held for at least idleTimeout (such a stale hold is reclaimed). There is
// no fixed rotation, and a stale socket can be reclaimed even while another
// socket is available. Returns nil when no socket qualifies, including
// when the worker has none registered.
func (g *Gateway) claimSocket(workerID string) *string {
	g.mu.Lock()
	sockets := g.sockets[workerID]
	g.mu.Unlock()

	for id, s := range sockets {
		s.mu.Lock()
		stale := !s.available && time.Since(s.lastUse) >= g.idleTimeout
		if s.available || stale {
			if stale {
				metrics.GatewayReclaimsTotal.Inc()
				g.logger.Warn().Str("worker_id", workerID).Str("socket_id", id).
					Msg("reclaimed socket past idle timeout; this may indicate a stuck caller")
			}
			s.available = false
			s.lastUse = time.Now()
			s.mu.Unlock()
			id := id
			return &id
		}
		s.mu.Unlock()
	}
	return nil
}

func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !g.auth.Authenticate(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	vars := mux.Vars(r)
	s := g.lookup(vars["worker_id"], vars["socket_id"])
	if s == nil {
		http.Error(w, "unknown worker/socket", http.StatusNotFound)
		return
	}
	s.mu.Lock()
	if s.available {
		g.logger.Warn().Str("worker_id", vars["worker_id"]).Str("socket_id", vars["socket_id"]).
			Msg("disconnect called on an already-available socket")
	}
	s.available = true
	s.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.Close()
}

func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	g.exchange(w, r, true)
}

func (g *Gateway) handleRecv(w http.ResponseWriter, r *http.Request) {
	g.exchange(w, r, false)
}

// exchange bridges bytes between the caller's new WebSocket connection and
// the worker's held socket. forward=true means /send (caller writes
// first); forward=false means /recv (worker writes first). Either
// direction runs both copy loops concurrently — the gateway does no
// framing, just byte relay.
func (g *Gateway) exchange(w http.ResponseWriter, r *http.Request, forward bool) {
	if !g.auth.Authenticate(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	vars := mux.Vars(r)
	workerID, socketID := vars["worker_id"], vars["socket_id"]

	s := g.lookup(workerID, socketID)
	if s == nil {
		http.Error(w, "unknown worker/socket", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("exchange upgrade failed")
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.lastUse = time.Now()
	workerConn := s.conn
	s.mu.Unlock()

	// Exclude the hold-open loop's ping/read from workerConn for the whole
	// exchange, not just per-message: gorilla's Conn allows one concurrent
	// reader and one concurrent writer, and the hold-open loop competes for
	// both (it reads, and WriteControl writes) with the two copyFrames
	// goroutines below.
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	// The hold-open loop leaves a short read deadline armed on workerConn
	// from its last keepalive iteration; clear it so copyFrames's read
	// below doesn't fail immediately on a deadline that has nothing to do
	// with this exchange.
	workerConn.SetReadDeadline(time.Time{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); copyFrames(workerConn, conn) }()
	go func() { defer wg.Done(); copyFrames(conn, workerConn) }()
	wg.Wait()
}

func copyFrames(dst, src *websocket.Conn) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

func (g *Gateway) lookup(workerID, socketID string) *socket {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sockets[workerID][socketID]
}

