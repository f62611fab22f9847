package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/broadcast"
	"github.com/mcdev12/estatebid/go/internal/events"
	"github.com/mcdev12/estatebid/go/internal/models"
)

// ConnectionManager tracks WebSocket connections per auction room. Each
// connection owns a broadcast subscription, so a slow client only ever loses
// its own events.
type ConnectionManager struct {
	rooms map[models.PropertyID]map[*Connection]struct{}
	mu    sync.RWMutex

	// members counts each user's sockets per room so the user leaves the room
	// only with their last socket.
	members   map[memberKey]*member
	membersMu sync.Mutex

	upgrader    websocket.Upgrader
	config      ConnectionConfig
	broadcaster *broadcast.Broadcaster
}

type memberKey struct {
	propertyID models.PropertyID
	user       models.UserID
}

// member serialises joins and leaves for one user in one room.
type member struct {
	mu    sync.Mutex
	refs  int // guarded by membersMu
	conns int // guarded by membersMu
}

// Connection is one client socket attached to one room.
type Connection struct {
	ID         string
	UserID     models.UserID
	PropertyID models.PropertyID
	Conn       *websocket.Conn

	ConnectedAt time.Time

	send    chan []byte
	sub     *broadcast.Subscription
	done    chan struct{}
	once    sync.Once
	manager *ConnectionManager
	handler MessageHandler
}

// MessageHandler answers client messages. The returned payload, if any, is
// sent back on the same connection.
type MessageHandler func(ctx context.Context, conn *Connection, msg ClientMessage) any

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// ConnectionStats is a point in time view of open sockets.
type ConnectionStats struct {
	TotalConnections int                       `json:"total_connections"`
	Rooms            map[models.PropertyID]int `json:"rooms"`
}

func NewConnectionManager(config ConnectionConfig, broadcaster *broadcast.Broadcaster) *ConnectionManager {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	return &ConnectionManager{
		rooms:   make(map[models.PropertyID]map[*Connection]struct{}),
		members: make(map[memberKey]*member),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcaster: broadcaster,
	}
}

// Subscribe registers for a room's events ahead of an upgrade. The caller
// hands the subscription to UpgradeConnection or closes it.
func (cm *ConnectionManager) Subscribe(propertyID models.PropertyID) *broadcast.Subscription {
	return cm.broadcaster.Subscribe(propertyID)
}

// Attach counts one more socket for user in the room once join succeeds.
// join runs while the user's entry is held, so it never interleaves with the
// user's last Detach.
func (cm *ConnectionManager) Attach(propertyID models.PropertyID, user models.UserID, join func() error) error {
	key := memberKey{propertyID, user}
	m := cm.lockMember(key)
	defer cm.unlockMember(key, m)

	if err := join(); err != nil {
		return err
	}
	cm.membersMu.Lock()
	m.conns++
	cm.membersMu.Unlock()
	return nil
}

// Detach drops one socket for user. leave runs only when it was the user's
// last socket in the room.
func (cm *ConnectionManager) Detach(propertyID models.PropertyID, user models.UserID, leave func()) {
	key := memberKey{propertyID, user}
	m := cm.lockMember(key)
	defer cm.unlockMember(key, m)

	cm.membersMu.Lock()
	if m.conns > 0 {
		m.conns--
	}
	last := m.conns == 0
	cm.membersMu.Unlock()

	if last {
		leave()
	}
}

// MemberConnections returns how many sockets user holds in the room.
func (cm *ConnectionManager) MemberConnections(propertyID models.PropertyID, user models.UserID) int {
	cm.membersMu.Lock()
	defer cm.membersMu.Unlock()
	if m, ok := cm.members[memberKey{propertyID, user}]; ok {
		return m.conns
	}
	return 0
}

func (cm *ConnectionManager) lockMember(key memberKey) *member {
	cm.membersMu.Lock()
	m, ok := cm.members[key]
	if !ok {
		m = &member{}
		cm.members[key] = m
	}
	m.refs++
	cm.membersMu.Unlock()

	m.mu.Lock()
	return m
}

func (cm *ConnectionManager) unlockMember(key memberKey, m *member) {
	m.mu.Unlock()

	cm.membersMu.Lock()
	defer cm.membersMu.Unlock()
	m.refs--
	if m.refs == 0 && m.conns == 0 {
		delete(cm.members, key)
	}
}

// UpgradeConnection upgrades the request and starts pumping events from sub.
// initial is written before any event from the subscription.
func (cm *ConnectionManager) UpgradeConnection(
	w http.ResponseWriter,
	r *http.Request,
	user models.UserID,
	sub *broadcast.Subscription,
	initial *events.Event,
	handler MessageHandler,
) (*Connection, error) {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		UserID:      user,
		PropertyID:  sub.PropertyID,
		Conn:        ws,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, cm.config.SendBuffer),
		sub:         sub,
		done:        make(chan struct{}),
		manager:     cm,
		handler:     handler,
	}

	if initial != nil {
		conn.SendJSON(initial)
	}
	cm.register(conn)

	go conn.writePump()
	go conn.forward()

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", string(user)).
		Str("property_id", string(conn.PropertyID)).
		Msg("WebSocket connection established")
	return conn, nil
}

func (cm *ConnectionManager) register(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.rooms[conn.PropertyID] == nil {
		cm.rooms[conn.PropertyID] = make(map[*Connection]struct{})
	}
	cm.rooms[conn.PropertyID][conn] = struct{}{}

	log.Debug().
		Str("connection_id", conn.ID).
		Str("property_id", string(conn.PropertyID)).
		Int("room_connections", len(cm.rooms[conn.PropertyID])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregister(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conns, ok := cm.rooms[conn.PropertyID]
	if !ok {
		return
	}
	if _, ok := conns[conn]; !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(cm.rooms, conn.PropertyID)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", string(conn.UserID)).
		Str("property_id", string(conn.PropertyID)).
		Uint64("dropped_events", conn.sub.Dropped()).
		Msg("connection unregistered")
}

// GetConnectionStats returns the number of open sockets per room.
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{Rooms: make(map[models.PropertyID]int, len(cm.rooms))}
	for pid, conns := range cm.rooms {
		stats.Rooms[pid] = len(conns)
		stats.TotalConnections += len(conns)
	}
	return stats
}

// RoomConnections returns the number of sockets attached to one room.
func (cm *ConnectionManager) RoomConnections(propertyID models.PropertyID) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.rooms[propertyID])
}

// CloseAll closes every connection. Used on shutdown.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	var all []*Connection
	for _, conns := range cm.rooms {
		for conn := range conns {
			all = append(all, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range all {
		conn.Close()
	}
}

// Done is closed once the connection has been shut down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close tears the connection down. Safe to call more than once.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.done)
		c.sub.Close()
		c.manager.unregister(c)
		_ = c.Conn.Close()
	})
}

// SendJSON queues a message for the client. A client that cannot keep up is
// disconnected rather than allowed to stall the room.
func (c *Connection) SendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal message")
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		log.Warn().
			Str("connection_id", c.ID).
			Str("property_id", string(c.PropertyID)).
			Msg("send buffer full, closing slow connection")
		go c.Close()
		return false
	}
}

// forward copies room events from the subscription onto the socket.
func (c *Connection) forward() {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.sub.C():
			if !ok {
				c.Close()
				return
			}
			if !c.SendJSON(event) {
				return
			}
		}
	}
}

// writePump handles writing messages to the WebSocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads client messages until the socket closes. It runs on the
// upgrading request's goroutine and calls onClose when it returns.
func (c *Connection) readPump(ctx context.Context, onClose func()) {
	defer func() {
		c.Close()
		if onClose != nil {
			onClose()
		}
	}()

	c.Conn.SetReadLimit(c.manager.config.MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("WebSocket read error")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.SendJSON(ServerMessage{Type: MessageTypeError, Error: &ErrorResponse{
				Reason:  "ValidationError",
				Kind:    "ValidationError",
				Message: "invalid message format",
			}})
			continue
		}
		if c.handler == nil {
			continue
		}
		if reply := c.handler(ctx, c, msg); reply != nil {
			c.SendJSON(reply)
		}
	}
}
