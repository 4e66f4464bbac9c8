package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/pkg/logger"
	"github.com/jwalitptl/notify-engine/pkg/metrics"
)

type Config struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	WriteTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		SweepInterval:     60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// OpenHook runs after a connection for userID becomes OPEN.
type OpenHook func(ctx context.Context, userID string)

// Connection is one registered client session. Its transport is owned by
// the registry; handlers only report pongs through Touch.
type Connection struct {
	ID     string
	UserID string

	transport Transport
	ctx       context.Context
	cancel    context.CancelFunc

	// mu is held for the duration of a send; closing waits on it.
	mu    sync.Mutex
	state atomic.Int32

	lastHeartbeat atomic.Int64
	awaitingPong  atomic.Bool
}

func (c *Connection) State() model.ConnectionState {
	return model.ConnectionState(c.state.Load())
}

func (c *Connection) LastHeartbeatAt() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// Touch records a pong.
func (c *Connection) Touch() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
	c.awaitingPong.Store(false)
}

// Done is closed once the connection starts closing.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Registry tracks at most one OPEN connection per user in this process.
type Registry struct {
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	conns map[string]*Connection

	hookMu sync.RWMutex
	onOpen []OpenHook

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(cfg Config, log *logger.Logger, m *metrics.Metrics) *Registry {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:     cfg,
		log:     log,
		metrics: m,
		conns:   make(map[string]*Connection),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnOpen adds a hook run in its own goroutine whenever a connection opens.
func (r *Registry) OnOpen(hook OpenHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onOpen = append(r.onOpen, hook)
}

// Start runs the stale-connection sweep until Close.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// Register makes transport the user's only connection. A previous
// connection is force-closed before the new one is visible to senders.
func (r *Registry) Register(userID string, transport Transport) *Connection {
	ctx, cancel := context.WithCancel(r.ctx)
	conn := &Connection{
		ID:        uuid.NewString(),
		UserID:    userID,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
	}
	conn.state.Store(int32(model.ConnectionConnecting))
	conn.Touch()

	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = conn
	r.mu.Unlock()

	if prev != nil {
		r.log.Info("replacing connection", "user_id", userID, "connection_id", prev.ID)
		r.closeConn(prev, false)
	}

	if !conn.state.CompareAndSwap(int32(model.ConnectionConnecting), int32(model.ConnectionOpen)) {
		return conn
	}

	if r.metrics != nil {
		r.metrics.PresenceConnections.Inc()
	}
	r.log.Debug("connection open", "user_id", userID, "connection_id", conn.ID)

	r.wg.Add(1)
	go r.heartbeat(conn)

	r.hookMu.RLock()
	hooks := append([]OpenHook(nil), r.onOpen...)
	r.hookMu.RUnlock()
	for _, hook := range hooks {
		r.wg.Add(1)
		go func(hook OpenHook) {
			defer r.wg.Done()
			hook(conn.ctx, userID)
		}(hook)
	}

	return conn
}

// Unregister closes the user's connection if there is one. Safe to call
// any number of times.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	conn := r.conns[userID]
	delete(r.conns, userID)
	r.mu.Unlock()

	if conn != nil {
		r.closeConn(conn, true)
	}
}

// Remove closes conn and drops it only if it is still the user's current
// connection. Used by transports that fail on their own.
func (r *Registry) Remove(conn *Connection) {
	r.detach(conn)
	r.closeConn(conn, false)
}

func (r *Registry) detach(conn *Connection) {
	r.mu.Lock()
	if r.conns[conn.UserID] == conn {
		delete(r.conns, conn.UserID)
	}
	r.mu.Unlock()
}

// closeConn cancels in-progress sends, closes the transport, then waits for
// any send holding the connection lock. Graceful closes pass through CLOSING.
func (r *Registry) closeConn(conn *Connection, graceful bool) {
	if conn.State() == model.ConnectionClosed {
		return
	}
	if graceful {
		conn.state.CompareAndSwap(int32(model.ConnectionOpen), int32(model.ConnectionClosing))
	}
	conn.cancel()
	_ = conn.transport.Close()

	conn.mu.Lock()
	prev := model.ConnectionState(conn.state.Swap(int32(model.ConnectionClosed)))
	conn.mu.Unlock()
	if prev == model.ConnectionClosed {
		return
	}

	if prev != model.ConnectionConnecting && r.metrics != nil {
		r.metrics.PresenceConnections.Dec()
	}
	r.log.Debug("connection closed", "user_id", conn.UserID, "connection_id", conn.ID)
}

// IsOnline reports whether userID has an OPEN connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	conn := r.conns[userID]
	r.mu.Unlock()
	return conn != nil && conn.State() == model.ConnectionOpen
}

// SendIfOnline pushes payload iff the user has an OPEN connection. It
// reports false with a nil error when the user is offline or disconnects
// during the send; the caller should queue the payload. A transport failure
// returns false with the error and drops the connection.
func (r *Registry) SendIfOnline(ctx context.Context, userID string, payload []byte) (bool, error) {
	r.mu.Lock()
	conn := r.conns[userID]
	r.mu.Unlock()
	if conn == nil {
		return false, nil
	}

	sent, err := r.send(ctx, conn, payload)
	if err != nil {
		r.Remove(conn)
	}
	return sent, err
}

func (r *Registry) send(ctx context.Context, conn *Connection, payload []byte) (bool, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.State() != model.ConnectionOpen {
		return false, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()
	stop := context.AfterFunc(conn.ctx, cancel)
	defer stop()

	if err := conn.transport.Send(sendCtx, payload); err != nil {
		if conn.ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *Registry) heartbeat(conn *Connection) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-ticker.C:
			if conn.awaitingPong.Load() {
				r.log.Info("heartbeat timeout", "user_id", conn.UserID, "connection_id", conn.ID)
				r.Remove(conn)
				return
			}
			conn.awaitingPong.Store(true)

			ctx, cancel := context.WithTimeout(conn.ctx, r.cfg.WriteTimeout)
			err := conn.transport.Ping(ctx)
			cancel()
			if err != nil {
				if conn.ctx.Err() == nil {
					r.log.Info("heartbeat ping failed", "user_id", conn.UserID, "error", err.Error())
					r.Remove(conn)
				}
				return
			}
		}
	}
}

// Sweep reaps connections whose transport died without being unregistered.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	var stale []*Connection
	for _, conn := range r.conns {
		if !conn.transport.Open() {
			stale = append(stale, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range stale {
		r.Remove(conn)
	}
	if len(stale) > 0 {
		r.log.Info("swept stale connections", "count", len(stale))
	}
	return len(stale)
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close stops timers and closes every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for userID, conn := range r.conns {
		conns = append(conns, conn)
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		r.closeConn(conn, true)
	}
	r.cancel()
	r.wg.Wait()
}
