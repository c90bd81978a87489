package session

import (
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

type Config struct {
	TTL        time.Duration // 默认 24h
	SweepEvery time.Duration // 默认 1m
	Clock      func() time.Time
	NewID      func() string
}

func (c *Config) norm() {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = func() string { return ids.Prefixed("sess") }
	}
}

// Manager owns sessions. At most one session exists per user id.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]string // userID -> sessionID

	conf Config
	pub  events.Publisher
	log  *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
}

func NewManager(conf Config, pub events.Publisher) *Manager {
	conf.norm()
	if pub == nil {
		pub = events.Nop{}
	}
	return &Manager{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]string),
		conf:     conf,
		pub:      pub,
		log:      logger.Named("session"),
		stopCh:   make(chan struct{}),
	}
}

// CreateSession destroys the user's previous session, if any, first.
func (m *Manager) CreateSession(userID string, profile Profile) (Session, error) {
	if userID == "" {
		return Session{}, errs.ErrAuthMissingUser
	}
	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.byUser[userID]; ok {
		out = m.destroyLocked(prev, ReasonReplaced, out)
	}

	now := m.conf.Clock()
	s := &Session{
		ID:             m.conf.NewID(),
		UserID:         userID,
		Profile:        profile.withDefaults(userID),
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(m.conf.TTL),
		Active:         true,
		Metadata:       map[string]any{},
	}
	m.sessions[s.ID] = s
	m.byUser[userID] = s.ID
	out = append(out, m.event(events.SessionCreated, s, nil))
	return s.snapshot(), nil
}

// ValidateSession refreshes last-accessed on success; an expired session is
// destroyed and reported as AUTH_SESSION_EXPIRED.
func (m *Manager) ValidateSession(sessionID string) (Session, error) {
	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.validLocked(sessionID, &out)
	if err != nil {
		return Session{}, err
	}
	return s.snapshot(), nil
}

// UpdateSession touches only connection binding, current instance and metadata.
func (m *Manager) UpdateSession(sessionID string, u Update) (Session, error) {
	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.validLocked(sessionID, &out)
	if err != nil {
		return Session{}, err
	}
	m.applyLocked(s, u)
	out = append(out, m.event(events.SessionUpdated, s, map[string]any{"fields": u.fields()}))
	return s.snapshot(), nil
}

func (m *Manager) DestroySession(sessionID, reason string) error {
	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return errs.ErrSessionNotFound.WithDetail(sessionID)
	}
	if reason == "" {
		reason = ReasonLogout
	}
	out = m.destroyLocked(sessionID, reason, out)
	return nil
}

// Logout destroys a session on behalf of its owner. A caller naming another
// user gets AUTH_PERMISSION_DENIED and the session is left alone.
func (m *Manager) Logout(sessionID, userID string) error {
	if userID == "" {
		return errs.ErrInvalidArgument.WithDetail("userId is required")
	}
	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return errs.ErrSessionNotFound.WithDetail(sessionID)
	}
	if s.UserID != userID {
		return errs.ErrPermissionDenied.WithDetail("session belongs to another user")
	}
	out = m.destroyLocked(sessionID, ReasonLogout, out)
	return nil
}

// Deactivate marks a session inactive; the next sweep removes it.
func (m *Manager) Deactivate(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return errs.ErrSessionNotFound.WithDetail(sessionID)
	}
	s.Active = false
	return nil
}

// SessionForUser returns the user's live session.
func (m *Manager) SessionForUser(userID string) (Session, error) {
	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUser[userID]
	if !ok {
		return Session{}, errs.ErrSessionNotFound.WithDetail("no session for user " + userID)
	}
	s, err := m.validLocked(id, &out)
	if err != nil {
		return Session{}, err
	}
	return s.snapshot(), nil
}

// InstanceSessions lists valid sessions currently in instanceID.
func (m *Manager) InstanceSessions(instanceID string) []Member {
	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	var res []Member
	for id, s := range m.sessions {
		if s.InstanceID != instanceID {
			continue
		}
		if _, err := m.validLocked(id, &out); err != nil {
			continue
		}
		joined := s.CreatedAt
		if t, ok := s.Metadata["joinedInstanceAt"].(time.Time); ok {
			joined = t
		}
		res = append(res, Member{
			SessionID: s.ID,
			UserID:    s.UserID,
			Profile:   s.snapshot().Profile,
			JoinedAt:  joined,
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].JoinedAt.Before(res[j].JoinedAt) })
	return res
}

// JoinInstance points the session at instanceID and stamps joinedInstanceAt.
// Moving from another instance emits a leave for the old one first.
func (m *Manager) JoinInstance(sessionID, instanceID string) (Session, error) {
	if instanceID == "" {
		return Session{}, errs.ErrJoinMissingInstance
	}
	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.validLocked(sessionID, &out)
	if err != nil {
		return Session{}, err
	}
	if s.InstanceID == instanceID {
		return s.snapshot(), nil
	}
	now := m.conf.Clock()
	if prev := s.InstanceID; prev != "" {
		m.applyLocked(s, Update{Metadata: map[string]any{"leftInstanceAt": now}})
		out = append(out, m.event(events.UserLeftInstance, s, map[string]any{"instanceId": prev}))
	}
	m.applyLocked(s, Update{InstanceID: &instanceID, Metadata: map[string]any{"joinedInstanceAt": now}})
	out = append(out, m.event(events.UserJoinedInstance, s, map[string]any{"instanceId": instanceID}))
	return s.snapshot(), nil
}

// LeaveInstance clears the current instance; a session in no instance is a no-op.
func (m *Manager) LeaveInstance(sessionID string) (Session, error) {
	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.validLocked(sessionID, &out)
	if err != nil {
		return Session{}, err
	}
	prev := s.InstanceID
	if prev == "" {
		return s.snapshot(), nil
	}
	empty := ""
	m.applyLocked(s, Update{InstanceID: &empty, Metadata: map[string]any{"leftInstanceAt": m.conf.Clock()}})
	out = append(out, m.event(events.UserLeftInstance, s, map[string]any{"instanceId": prev}))
	return s.snapshot(), nil
}

// CheckPermission: true if the permission is granted or the role is admin.
func (m *Manager) CheckPermission(sessionID, permission string) (PermissionResult, error) {
	s, err := m.ValidateSession(sessionID)
	if err != nil {
		return PermissionResult{}, err
	}
	res := PermissionResult{
		Allowed:     s.Profile.Role == RoleAdmin,
		Role:        s.Profile.Role,
		Permissions: s.Profile.Permissions,
	}
	for _, p := range s.Profile.Permissions {
		if p == permission {
			res.Allowed = true
			break
		}
	}
	return res, nil
}

func (m *Manager) ActiveSessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.conf.Clock()
	res := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Active && !s.expired(now) {
			res = append(res, s.snapshot())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.conf.Clock()
	st := Stats{
		Total:      len(m.sessions),
		ByInstance: map[string]int{},
		ByRole:     map[string]int{},
	}
	for _, s := range m.sessions {
		if !s.Active || s.expired(now) {
			continue
		}
		st.Active++
		st.ByRole[s.Profile.Role]++
		if s.InstanceID != "" {
			st.InInstances++
			st.ByInstance[s.InstanceID]++
		}
	}
	return st
}

func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	safe.SafeGo("session-sweeper", func() {
		t := time.NewTicker(m.conf.SweepEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.SweepOnce()
			case <-m.stopCh:
				return
			}
		}
	})
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// SweepOnce destroys expired or inactive sessions.
func (m *Manager) SweepOnce() int {
	var out []events.Event
	m.mu.Lock()
	now := m.conf.Clock()
	n := 0
	for id, s := range m.sessions {
		if s.Active && !s.expired(now) {
			continue
		}
		out = m.destroyLocked(id, ReasonExpired, out)
		n++
	}
	m.mu.Unlock()

	m.emit(out)
	if n > 0 {
		m.log.Info("expired sessions cleaned", zap.Int("count", n))
		m.pub.Publish(events.New(events.SourceSession, events.SessionsCleaned, map[string]any{"count": n}))
	}
	return n
}

// ---------------- 内部方法（调用方持有 mu） ----------------

func (m *Manager) validLocked(sessionID string, out *[]events.Event) (*Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errs.ErrSessionNotFound.WithDetail(sessionID)
	}
	if !s.Active {
		return nil, errs.ErrSessionInactive
	}
	now := m.conf.Clock()
	if s.expired(now) {
		*out = m.destroyLocked(sessionID, ReasonExpired, *out)
		return nil, errs.ErrSessionExpired
	}
	s.LastAccessedAt = now
	return s, nil
}

func (m *Manager) applyLocked(s *Session, u Update) {
	if u.ConnectionID != nil {
		s.ConnectionID = *u.ConnectionID
	}
	if u.InstanceID != nil {
		s.InstanceID = *u.InstanceID
	}
	if s.Metadata == nil && len(u.Metadata) > 0 {
		s.Metadata = map[string]any{}
	}
	for k, v := range u.Metadata {
		if v == nil {
			delete(s.Metadata, k)
		} else {
			s.Metadata[k] = v
		}
	}
	s.LastAccessedAt = m.conf.Clock()
}

func (m *Manager) destroyLocked(sessionID, reason string, out []events.Event) []events.Event {
	s, ok := m.sessions[sessionID]
	if !ok {
		return out
	}
	s.Active = false
	delete(m.sessions, sessionID)
	if m.byUser[s.UserID] == sessionID {
		delete(m.byUser, s.UserID)
	}
	return append(out, m.event(events.SessionDestroyed, s, map[string]any{"reason": reason}))
}

func (m *Manager) event(typ string, s *Session, extra map[string]any) events.Event {
	data := map[string]any{
		"sessionId": s.ID,
		"userId":    s.UserID,
	}
	for k, v := range extra {
		data[k] = v
	}
	return events.New(events.SourceSession, typ, data)
}

func (m *Manager) emit(out []events.Event) {
	for _, e := range out {
		m.pub.Publish(e)
	}
}

func (u Update) fields() []string {
	var f []string
	if u.ConnectionID != nil {
		f = append(f, "connectionId")
	}
	if u.InstanceID != nil {
		f = append(f, "instanceId")
	}
	if len(u.Metadata) > 0 {
		f = append(f, "metadata")
	}
	return f
}
