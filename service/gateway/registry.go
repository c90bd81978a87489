package gateway

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"PPCollab/logger"
	"PPCollab/service/events"
	"PPCollab/tools/errs"
	"PPCollab/tools/ids"
	"PPCollab/tools/safe"

	"go.uber.org/zap"
)

// ===== 配置 =====

type Conf struct {
	HeartbeatInterval time.Duration    // 心跳周期（默认 30s）
	WriteWait         time.Duration    // 单次写超时（默认 10s）
	SendQueueSize     int              // 每连接发送队列长度（默认 256）
	Clock             func() time.Time // 可注入时钟（单测用）
	NewID             func() string
}

func (c *Conf) norm() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = ids.ConnectionID
	}
}

type room struct {
	mu      sync.Mutex // serializes broadcasts so every member sees one order
	members map[string]*Conn
}

// Registry owns every live connection and room. Membership changes hold mu
// exclusively and enqueue their own notifications before releasing it, so a
// room's members see joins, leaves and content in one order.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]*room
	users map[string]map[string]struct{} // userID -> connIDs

	notes *notifier
	conf  Conf
	pub   events.Publisher
	log   *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

func NewRegistry(conf Conf, pub events.Publisher) *Registry {
	conf.norm()
	if pub == nil {
		pub = events.Nop{}
	}
	r := &Registry{
		conns:  make(map[string]*Conn),
		rooms:  make(map[string]*room),
		users:  make(map[string]map[string]struct{}),
		notes:  newNotifier(),
		conf:   conf,
		pub:    pub,
		log:    logger.Named("gateway"),
		stopCh: make(chan struct{}),
	}
	safe.SafeGo("registry-notifier", r.notes.loop)
	return r
}

// AddListener subscribes l to membership events.
func (r *Registry) AddListener(l RoomListener) { r.notes.add(l) }

// Register adopts a transport and greets it with connection_established.
func (r *Registry) Register(tr Transport) string {
	now := r.conf.Clock()
	c := newConn(r.conf.NewID(), tr, r.conf.SendQueueSize, now)

	r.mu.Lock()
	r.conns[c.id] = c
	c.enqueue(mustEncode(NewMessage(TypeConnectionEstablished, map[string]any{"connectionId": c.id})))
	r.mu.Unlock()

	safe.SafeGo("conn-writer", func() { c.writeLoop(r) })
	r.log.Info("connection registered", zap.String("conn_id", c.id), zap.String("remote", c.remote))
	r.pub.Publish(events.New(events.SourceRegistry, events.ConnectionOpened, map[string]any{
		"connectionId": c.id,
		"remoteAddr":   c.remote,
	}))
	return c.id
}

// Authenticate binds userID to the connection. Rebinding to another user
// first leaves the current room.
func (r *Registry) Authenticate(connID, userID string) error {
	if userID == "" {
		return errs.ErrAuthMissingUser
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return errs.ErrConnectionNotFound.WithDetail(connID)
	}
	if c.userID == userID {
		return nil
	}
	if c.userID != "" {
		if c.roomID != "" {
			r.leaveLocked(c, "reauthenticated")
		}
		r.unindexUserLocked(c)
	}
	c.userID = userID
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[connID] = struct{}{}

	r.notes.push(noteAuthenticated, MemberEvent{ConnectionID: connID, UserID: userID, At: r.conf.Clock()})
	return nil
}

// JoinRoom moves the connection into roomID, leaving any other room first.
// Re-joining the current room only repeats the ack.
func (r *Registry) JoinRoom(connID, roomID string) error {
	if roomID == "" {
		return errs.ErrJoinMissingInstance
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return errs.ErrConnectionNotFound.WithDetail(connID)
	}
	if c.userID == "" {
		return errs.ErrJoinUnauthenticated
	}
	ack := mustEncode(NewMessage(TypeJoinedInstance, map[string]any{"instanceId": roomID, "roomId": roomID}))
	if c.roomID == roomID {
		c.enqueue(ack)
		return nil
	}
	if c.roomID != "" {
		r.leaveLocked(c, "switched")
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[string]*Conn)}
		r.rooms[roomID] = rm
	}
	rm.members[connID] = c
	c.roomID = roomID

	now := r.conf.Clock()
	c.enqueue(ack)
	r.broadcastLocked(rm, mustEncode(NewMessage(TypeUserJoined, map[string]any{
		"userId":       c.userID,
		"instanceId":   roomID,
		"connectionId": connID,
		"joinedAt":     now,
	})), connID)

	r.notes.push(noteJoined, MemberEvent{ConnectionID: connID, UserID: c.userID, RoomID: roomID, At: now})
	r.pub.Publish(events.New(events.SourceRegistry, events.RoomJoined, map[string]any{
		"connectionId": connID, "userId": c.userID, "instanceId": roomID,
	}))
	return nil
}

// LeaveRoom removes the connection from roomID; an empty roomID means
// whichever room it is in.
func (r *Registry) LeaveRoom(connID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return errs.ErrConnectionNotFound.WithDetail(connID)
	}
	if c.roomID == "" || (roomID != "" && c.roomID != roomID) {
		return errs.ErrInstanceMismatch.WithDetail("not in instance " + roomID)
	}
	left := c.roomID
	r.leaveLocked(c, "left")
	c.enqueue(mustEncode(NewMessage(TypeLeftInstance, map[string]any{"instanceId": left})))
	return nil
}

// Close removes a connection, cascading a leave of its room. Returns false if
// it was already gone.
func (r *Registry) Close(connID, reason string) bool {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, connID)
	roomID := c.roomID
	if roomID != "" {
		r.detachLocked(c, reason)
	}
	r.unindexUserLocked(c)
	r.notes.push(noteClosed, MemberEvent{ConnectionID: connID, UserID: c.userID, RoomID: roomID, Reason: reason, At: r.conf.Clock()})
	r.mu.Unlock()

	c.shutdown()
	r.log.Info("connection closed", zap.String("conn_id", connID), zap.String("user", c.userID), zap.String("reason", reason))
	r.pub.Publish(events.New(events.SourceRegistry, events.ConnectionClosed, map[string]any{
		"connectionId": connID, "userId": c.userID, "instanceId": roomID, "reason": reason,
	}))
	return true
}

// CloseAll drops every connection, used on shutdown.
func (r *Registry) CloseAll(reason string) int {
	r.mu.RLock()
	idsToClose := make([]string, 0, len(r.conns))
	for id := range r.conns {
		idsToClose = append(idsToClose, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range idsToClose {
		if r.Close(id, reason) {
			n++
		}
	}
	return n
}

// Send is point-to-point; false (never an error) when the target is gone or not writable.
func (r *Registry) Send(connID string, msg Message) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("encode message", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	return r.deliverLocked(c, b)
}

// SendError replies with a typed error message.
func (r *Registry) SendError(connID string, err error) bool {
	return r.Send(connID, ErrorMessage(err))
}

// Broadcast delivers to every member of roomID except exclude and returns the
// number of successful deliveries. Dead members are skipped.
func (r *Registry) Broadcast(roomID string, msg Message, exclude string) int {
	b, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("encode message", zap.String("type", msg.Type), zap.Error(err))
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return r.broadcastLocked(rm, b, exclude)
}

// BroadcastAll delivers to every connection.
func (r *Registry) BroadcastAll(msg Message) int {
	b, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("encode message", zap.String("type", msg.Type), zap.Error(err))
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.conns {
		if r.deliverLocked(c, b) {
			n++
		}
	}
	return n
}

func (r *Registry) Info(connID string) (ConnInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return ConnInfo{}, false
	}
	return c.info(), true
}

// RoomMembers lists a room's connections ordered by connect time.
func (r *Registry) RoomMembers(roomID string) []ConnInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]ConnInfo, 0, len(rm.members))
	for _, c := range rm.members {
		out = append(out, c.info())
	}
	sortInfos(out)
	return out
}

// Connections lists every live connection.
func (r *Registry) Connections() []ConnInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.info())
	}
	sortInfos(out)
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{
		TotalConnections: len(r.conns),
		TotalRooms:       len(r.rooms),
		TotalUsers:       len(r.users),
		RoomSizes:        make(map[string]int, len(r.rooms)),
		Connections:      make([]ConnInfo, 0, len(r.conns)),
	}
	for id, rm := range r.rooms {
		st.RoomSizes[id] = len(rm.members)
	}
	for _, c := range r.conns {
		if c.userID != "" {
			st.Authenticated++
		}
		st.Connections = append(st.Connections, c.info())
	}
	sortInfos(st.Connections)
	return st
}

// Pong marks the connection as having answered the last ping.
func (r *Registry) Pong(connID string) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if ok {
		c.alive.Store(true)
	}
}

// Start launches the heartbeat loop.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		safe.SafeGo("registry-heartbeat", func() {
			t := time.NewTicker(r.conf.HeartbeatInterval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					r.HeartbeatOnce()
				case <-r.stopCh:
					return
				}
			}
		})
	})
}

// Stop halts heartbeat and notification goroutines. Connections stay open;
// call CloseAll first on shutdown.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		close(r.notes.stop)
	})
}

// HeartbeatOnce terminates connections that never answered the previous
// ping and pings the rest.
func (r *Registry) HeartbeatOnce() (pinged, terminated int) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	deadline := time.Now().Add(r.conf.WriteWait)
	for _, c := range conns {
		if !c.alive.Swap(false) {
			if r.Close(c.id, "heartbeat timeout") {
				terminated++
			}
			continue
		}
		if err := c.tr.Ping(deadline); err != nil {
			r.log.Debug("ping failed", zap.String("conn_id", c.id), zap.Error(err))
			if r.Close(c.id, "ping failed") {
				terminated++
			}
			continue
		}
		pinged++
	}
	if terminated > 0 {
		r.log.Info("heartbeat reaped connections", zap.Int("count", terminated))
	}
	return pinged, terminated
}

// Flush waits until listeners have seen every membership event so far.
func (r *Registry) Flush() { r.notes.flush() }

// ---------------- 内部方法（调用方持有 mu） ----------------

func (r *Registry) leaveLocked(c *Conn, reason string) {
	roomID := c.roomID
	r.detachLocked(c, reason)
	r.notes.push(noteLeft, MemberEvent{ConnectionID: c.id, UserID: c.userID, RoomID: roomID, Reason: reason, At: r.conf.Clock()})
	r.pub.Publish(events.New(events.SourceRegistry, events.RoomLeft, map[string]any{
		"connectionId": c.id, "userId": c.userID, "instanceId": roomID, "reason": reason,
	}))
}

// detachLocked removes c from its room and tells the remaining members.
func (r *Registry) detachLocked(c *Conn, reason string) {
	roomID := c.roomID
	c.roomID = ""
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(rm.members, c.id)
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		return
	}
	r.broadcastLocked(rm, mustEncode(NewMessage(TypeUserLeft, map[string]any{
		"userId":       c.userID,
		"instanceId":   roomID,
		"connectionId": c.id,
		"leftAt":       r.conf.Clock(),
		"reason":       reason,
	})), "")
}

func (r *Registry) unindexUserLocked(c *Conn) {
	if c.userID == "" {
		return
	}
	if set, ok := r.users[c.userID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(r.users, c.userID)
		}
	}
}

func (r *Registry) broadcastLocked(rm *room, b []byte, exclude string) int {
	n := 0
	for id, c := range rm.members {
		if id == exclude {
			continue
		}
		if r.deliverLocked(c, b) {
			n++
		}
	}
	return n
}

// deliverLocked enqueues b; an unwritable link is reaped in the background.
func (r *Registry) deliverLocked(c *Conn, b []byte) bool {
	if c.enqueue(b) {
		return true
	}
	if !c.closed() && !c.tr.Writable() && c.reaping.CompareAndSwap(false, true) {
		safe.SafeGo("conn-reap", func() { r.Close(c.id, "not writable") })
	}
	return false
}

func mustEncode(m Message) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return b
}

func sortInfos(s []ConnInfo) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].CreatedAt.Before(s[j].CreatedAt)
	})
}
