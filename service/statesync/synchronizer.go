package statesync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"PPCollab/logger"
	"PPCollab/service/events"
	"PPCollab/service/gateway"
	"PPCollab/service/instance"
	"PPCollab/tools/errs"
	"PPCollab/tools/safe"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Interval         time.Duration // 默认 5s
	Tolerance        float64       // 使用率变化阈值（百分点）
	FetchConcurrency int
	FetchTimeout     time.Duration
	Clock            func() time.Time
}

func (c *Config) norm() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Tolerance < 0 {
		c.Tolerance = 0
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 4
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 3 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Synchronizer caches instance, user and system state and pushes changes
// through the registry. It is also a registry listener for catch-up sync.
type Synchronizer struct {
	gateway.NopListener

	mu        sync.Mutex
	instances map[string]instance.State
	users     map[string]UserState
	system    SystemState
	upstream  string

	b     Broadcaster
	fetch instance.Fetcher // nil: no instance service configured
	conf  Config
	pub   events.Publisher
	log   *zap.Logger

	tickMu  sync.Mutex // one tick at a time
	startMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(b Broadcaster, fetch instance.Fetcher, conf Config, pub events.Publisher) *Synchronizer {
	safe.MustNotNil(b, "broadcaster")
	conf.norm()
	if pub == nil {
		pub = events.Nop{}
	}
	up := UpstreamOK
	if isNil(fetch) {
		fetch = nil
		up = UpstreamDisabled
	}
	return &Synchronizer{
		instances: make(map[string]instance.State),
		users:     make(map[string]UserState),
		system:    SystemState{Healthy: true, LastUpdate: conf.Clock()},
		upstream:  up,
		b:         b,
		fetch:     fetch,
		conf:      conf,
		pub:       pub,
		log:       logger.Named("statesync"),
	}
}

// isNil catches a typed nil *instance.Client passed as a Fetcher.
func isNil(f instance.Fetcher) bool {
	if f == nil {
		return true
	}
	c, ok := f.(*instance.Client)
	return ok && c == nil
}

// Start runs SyncOnce every interval until Stop. A slow tick delays the next
// one; ticks never overlap.
func (s *Synchronizer) Start() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.running {
		s.log.Warn("synchronizer already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running, s.cancel, s.done = true, cancel, make(chan struct{})

	done := s.done
	safe.SafeGo("statesync-ticker", func() {
		defer close(done)
		t := time.NewTicker(s.conf.Interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				_ = s.SyncOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	})
	s.log.Info("synchronizer started", zap.Duration("interval", s.conf.Interval))
}

func (s *Synchronizer) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.done
	s.running = false
	s.log.Info("synchronizer stopped")
}

func (s *Synchronizer) Running() bool {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	return s.running
}

// SyncOnce refreshes instance, user and system state in that order. An
// upstream failure is reported and returned; the other two still run.
func (s *Synchronizer) SyncOnce(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	err := s.syncInstances(ctx)
	s.syncUsers()
	s.syncSystem()

	s.mu.Lock()
	ni, nu := len(s.instances), len(s.users)
	s.mu.Unlock()
	if err == nil {
		s.pub.Publish(events.New(events.SourceSync, events.SyncCompleted, map[string]any{
			"instanceCount": ni,
			"userCount":     nu,
			"durationMs":    time.Since(start).Milliseconds(),
		}))
	}
	return err
}

// ForceInstanceSync refreshes one instance out of band and always broadcasts
// the result. Without a reachable upstream the cached state (or a
// placeholder) is returned with its Source saying so.
func (s *Synchronizer) ForceInstanceSync(ctx context.Context, instanceID string) (instance.State, error) {
	if instanceID == "" {
		return instance.State{}, errs.ErrInvalidArgument.WithDetail("instanceId is required")
	}
	var (
		st  instance.State
		err error
	)
	if s.fetch != nil {
		fctx, cancel := context.WithTimeout(ctx, s.conf.FetchTimeout)
		st, err = s.fetch.Get(fctx, instanceID)
		cancel()
		if errors.Is(err, errs.ErrNotFound) {
			return instance.State{}, err
		}
		if err != nil {
			s.reportError("force_sync", err, instanceID)
		}
	}

	s.mu.Lock()
	if s.fetch == nil || err != nil {
		if cached, ok := s.instances[instanceID]; ok && cached.Source != instance.SourcePlaceholder {
			st = cached
			st.Source = instance.SourceCached
		} else {
			st = instance.Placeholder(instanceID, s.conf.Clock())
			s.instances[instanceID] = st
		}
	} else {
		s.instances[instanceID] = st
	}
	s.mu.Unlock()

	s.broadcastInstance(st)
	s.log.Info("instance force synced", zap.String("instance_id", instanceID), zap.String("source", string(st.Source)))
	return st, nil
}

// InstanceState returns the cached state of one instance.
func (s *Synchronizer) InstanceState(instanceID string) (instance.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[instanceID]
	return st, ok
}

func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{
		Instances: make(map[string]instance.State, len(s.instances)),
		Users:     make(map[string]UserState, len(s.users)),
		System:    s.system,
		Timestamp: s.conf.Clock(),
	}
	for k, v := range s.instances {
		out.Instances[k] = v
	}
	for k, v := range s.users {
		out.Users[k] = v
	}
	return out
}

// ---------------- RoomListener ----------------

// OnRoomJoined pushes the cached room state to the new member only.
func (s *Synchronizer) OnRoomJoined(ev gateway.MemberEvent) {
	s.mu.Lock()
	st, ok := s.instances[ev.RoomID]
	s.mu.Unlock()
	if ok {
		s.b.Send(ev.ConnectionID, gateway.NewMessage(gateway.TypeInstanceStateSync, map[string]any{
			"instanceId": ev.RoomID,
			"state":      st,
			"timestamp":  s.conf.Clock(),
		}))
	}
	s.updateUser(UserState{
		UserID:       ev.UserID,
		Status:       UserActive,
		InstanceID:   ev.RoomID,
		ConnectionID: ev.ConnectionID,
		LastSeen:     ev.At,
	})
}

func (s *Synchronizer) OnRoomLeft(ev gateway.MemberEvent) {
	s.updateUser(UserState{
		UserID:       ev.UserID,
		Status:       UserIdle,
		ConnectionID: ev.ConnectionID,
		LastSeen:     ev.At,
	})
}

// OnConnectionClosed drops user state bound to that connection.
func (s *Synchronizer) OnConnectionClosed(ev gateway.MemberEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range s.users {
		if u.ConnectionID == ev.ConnectionID {
			delete(s.users, id)
		}
	}
}

// ---------------- 内部方法 ----------------

func (s *Synchronizer) syncInstances(ctx context.Context) error {
	if s.fetch == nil {
		s.ensurePlaceholders()
		return nil
	}

	lctx, cancel := context.WithTimeout(ctx, s.conf.FetchTimeout)
	list, err := s.fetch.List(lctx)
	cancel()
	if err != nil {
		s.setUpstream(UpstreamUnavailable)
		s.reportError("list_instances", err, "")
		return err
	}

	fresh := make([]instance.State, len(list))
	var g errgroup.Group
	g.SetLimit(s.conf.FetchConcurrency)
	for i, it := range list {
		i, it := i, it
		g.Go(func() error {
			gctx, cancel := context.WithTimeout(ctx, s.conf.FetchTimeout)
			defer cancel()
			st, err := s.fetch.Get(gctx, it.ID)
			if err != nil {
				s.log.Debug("instance metrics unavailable", zap.String("instance_id", it.ID), zap.Error(err))
				st = s.fallback(it)
			}
			fresh[i] = st
			return nil
		})
	}
	_ = g.Wait()

	s.setUpstream(UpstreamOK)
	listed := make(map[string]struct{}, len(fresh))
	var updates []instance.State

	s.mu.Lock()
	for _, st := range fresh {
		listed[st.ID] = struct{}{}
		old, ok := s.instances[st.ID]
		if ok && !changed(old, st, s.conf.Tolerance) {
			continue
		}
		s.instances[st.ID] = st
		updates = append(updates, st)
	}
	for id := range s.instances {
		if _, ok := listed[id]; !ok {
			delete(s.instances, id)
		}
	}
	s.mu.Unlock()

	for _, st := range updates {
		s.broadcastInstance(st)
	}
	return nil
}

// fallback keeps the listed status and the last known usage.
func (s *Synchronizer) fallback(listed instance.State) instance.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := listed
	st.Source = instance.SourceCached
	if cached, ok := s.instances[listed.ID]; ok {
		st.CPUUsage, st.MemoryUsage = cached.CPUUsage, cached.MemoryUsage
	}
	return st
}

// ensurePlaceholders gives every occupied room a state entry when there is
// no instance service to ask, and forgets placeholders of empty rooms.
func (s *Synchronizer) ensurePlaceholders() {
	rooms := s.b.Stats().RoomSizes
	now := s.conf.Clock()
	var added []instance.State

	s.mu.Lock()
	for id, st := range s.instances {
		if _, ok := rooms[id]; !ok && st.Source == instance.SourcePlaceholder {
			delete(s.instances, id)
		}
	}
	for id := range rooms {
		if _, ok := s.instances[id]; !ok {
			st := instance.Placeholder(id, now)
			s.instances[id] = st
			added = append(added, st)
		}
	}
	s.mu.Unlock()

	sort.Slice(added, func(i, j int) bool { return added[i].ID < added[j].ID })
	for _, st := range added {
		s.broadcastInstance(st)
	}
}

func (s *Synchronizer) syncUsers() {
	conns := s.b.Connections() // oldest first: the newest connection of a user wins
	now := s.conf.Clock()
	online := make(map[string]UserState)
	for _, c := range conns {
		if c.UserID == "" {
			continue
		}
		online[c.UserID] = UserState{
			UserID:       c.UserID,
			Status:       UserOnline,
			InstanceID:   c.RoomID,
			ConnectionID: c.ID,
			LastSeen:     now,
		}
	}

	ids := make([]string, 0, len(online))
	for id := range online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.updateUser(online[id])
	}

	s.mu.Lock()
	for id := range s.users {
		if _, ok := online[id]; !ok {
			delete(s.users, id)
		}
	}
	s.mu.Unlock()
}

// updateUser stores u and, when something other than timestamps changed,
// tells the user's room (excluding the user's own connection).
func (s *Synchronizer) updateUser(u UserState) {
	if u.UserID == "" {
		return
	}
	u.LastUpdate = s.conf.Clock()

	s.mu.Lock()
	old, ok := s.users[u.UserID]
	s.users[u.UserID] = u
	s.mu.Unlock()

	if (ok && !old.differs(u)) || u.InstanceID == "" {
		return
	}
	s.b.Broadcast(u.InstanceID, gateway.NewMessage(gateway.TypeUserStateUpdate, map[string]any{
		"userId":    u.UserID,
		"state":     u,
		"timestamp": u.LastUpdate,
	}), u.ConnectionID)
}

func (s *Synchronizer) syncSystem() {
	st := s.b.Stats()

	s.mu.Lock()
	next := SystemState{
		Healthy: s.upstream != UpstreamUnavailable,
		Services: Services{
			Websocket: WebsocketService{
				Status:      "running",
				Connections: st.TotalConnections,
				Rooms:       st.TotalRooms,
			},
			Collaboration: CollaborationService{
				Status:    "running",
				Users:     st.TotalUsers,
				Instances: len(s.instances),
			},
			Instance: InstanceService{Status: s.upstream},
		},
		LastUpdate: s.conf.Clock(),
	}
	moved := next.differs(s.system)
	s.system = next
	s.mu.Unlock()

	if !moved {
		return
	}
	s.b.BroadcastAll(gateway.NewMessage(gateway.TypeSystemStateUpdate, map[string]any{
		"systemState": next,
		"timestamp":   next.LastUpdate,
	}))
}

func (s *Synchronizer) broadcastInstance(st instance.State) {
	n := s.b.Broadcast(st.ID, gateway.NewMessage(gateway.TypeInstanceStateUpdate, map[string]any{
		"instanceId": st.ID,
		"state":      st,
		"timestamp":  s.conf.Clock(),
	}), "")
	s.pub.Publish(events.New(events.SourceSync, events.InstanceStateBroadcasted, map[string]any{
		"instanceId": st.ID,
		"status":     st.Status,
		"source":     string(st.Source),
		"delivered":  n,
	}))
}

func (s *Synchronizer) setUpstream(v string) {
	s.mu.Lock()
	s.upstream = v
	s.mu.Unlock()
}

func (s *Synchronizer) reportError(stage string, err error, instanceID string) {
	s.log.Warn("state sync failed", zap.String("stage", stage), zap.String("instance_id", instanceID), zap.Error(err))
	s.pub.Publish(events.New(events.SourceSync, events.SyncError, map[string]any{
		"stage":      stage,
		"instanceId": instanceID,
		"error":      err.Error(),
	}))
}
