package lock

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
	TTL        time.Duration    // 默认 5m
	SweepEvery time.Duration    // 默认 30s
	Clock      func() time.Time // 测试可注入
	NewID      func() string
}

func (c *Config) norm() {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = func() string { return ids.Prefixed("lock") }
	}
}

// resource is the single record of who holds a resource and in which mode.
type resource struct {
	mode    Mode
	holders map[string]string // userID -> lockID
}

// Manager grants advisory locks. Every map is guarded by mu, so grants and
// releases on one resource are linearizable.
//
// Contention policy: a conflicting request is rejected immediately, there is
// no wait queue. Shared requests keep being admitted while any shared holder
// remains, so an exclusive requester can starve behind a stream of readers.
type Manager struct {
	mu        sync.Mutex
	locks     map[string]*Lock
	resources map[string]*resource
	byUser    map[string]map[string]struct{}

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
		locks:     make(map[string]*Lock),
		resources: make(map[string]*resource),
		byUser:    make(map[string]map[string]struct{}),
		conf:      conf,
		pub:       pub,
		log:       logger.Named("lock"),
		stopCh:    make(chan struct{}),
	}
}

// RequestLock grants, renews, or rejects with *ConflictError.
func (m *Manager) RequestLock(resourceID, userID string, mode Mode, metadata map[string]any) (Grant, error) {
	if resourceID == "" || userID == "" {
		return Grant{}, errs.ErrInvalidArgument.WithDetail("resourceId and userId are required")
	}
	if mode == "" {
		mode = Exclusive
	}
	if mode != Exclusive && mode != Shared {
		return Grant{}, errs.ErrInvalidArgument.WithDetail("unknown lock mode " + string(mode))
	}

	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.conf.Clock()
	out = m.purgeResourceLocked(resourceID, now, out)

	if res, ok := m.resources[resourceID]; ok {
		// 同一用户重复请求：续期，不新建
		if lockID, held := res.holders[userID]; held {
			l := m.locks[lockID]
			l.RenewedAt = now
			l.ExpiresAt = now.Add(m.conf.TTL)
			out = append(out, m.event(events.LockRenewed, l, nil))
			return Grant{Lock: l.snapshot(), Renewed: true}, nil
		}
		if !compatible(res.mode, mode) {
			return Grant{}, m.conflictLocked(resourceID, res)
		}
	}

	l := &Lock{
		ID:         m.conf.NewID(),
		ResourceID: resourceID,
		UserID:     userID,
		Mode:       mode,
		CreatedAt:  now,
		RenewedAt:  now,
		ExpiresAt:  now.Add(m.conf.TTL),
		Metadata:   copyMeta(metadata),
	}
	m.insertLocked(l)
	out = append(out, m.event(events.LockAcquired, l, nil))
	return Grant{Lock: l.snapshot()}, nil
}

// ReleaseLock: NOT_FOUND if gone or expired, NOT_OWNER if held by someone else.
func (m *Manager) ReleaseLock(lockID, userID string) error {
	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.liveLocked(lockID, &out)
	if err != nil {
		return err
	}
	if l.UserID != userID {
		return errs.ErrNotOwner.WithDetail("held by " + l.UserID)
	}
	m.removeLocked(l)
	out = append(out, m.event(events.LockReleased, l, nil))
	return nil
}

// ForceReleaseLock bypasses ownership; the event names holder and admin.
func (m *Manager) ForceReleaseLock(lockID, adminUserID string) (Lock, error) {
	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[lockID]
	if !ok {
		return Lock{}, errs.ErrNotFound.WithDetail(lockID)
	}
	m.removeLocked(l)
	out = append(out, m.event(events.LockForceReleased, l, map[string]any{
		"originalUserId": l.UserID,
		"adminUserId":    adminUserID,
	}))
	m.log.Warn("lock force released",
		zap.String("lock_id", l.ID), zap.String("resource", l.ResourceID),
		zap.String("holder", l.UserID), zap.String("admin", adminUserID))
	return l.snapshot(), nil
}

// RenewLock resets the full TTL for the owner.
func (m *Manager) RenewLock(lockID, userID string) (Lock, error) {
	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.liveLocked(lockID, &out)
	if err != nil {
		return Lock{}, err
	}
	if l.UserID != userID {
		return Lock{}, errs.ErrNotOwner.WithDetail("held by " + l.UserID)
	}
	now := m.conf.Clock()
	l.RenewedAt = now
	l.ExpiresAt = now.Add(m.conf.TTL)
	out = append(out, m.event(events.LockRenewed, l, nil))
	return l.snapshot(), nil
}

// CheckLockStatus only mutates state to drop grants it finds expired.
func (m *Manager) CheckLockStatus(resourceID string) Status {
	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	out = m.purgeResourceLocked(resourceID, m.conf.Clock(), out)
	st := Status{ResourceID: resourceID, Available: true}
	res, ok := m.resources[resourceID]
	if !ok {
		return st
	}
	st.Locked, st.Available, st.Mode = true, false, res.mode
	st.Holders = m.holdersLocked(res)
	for _, h := range st.Holders {
		if h.ExpiresAt.After(st.ExpiresAt) {
			st.ExpiresAt = h.ExpiresAt
		}
	}
	return st
}

// UserLocks lists a user's live grants, dropping expired ones on the way.
func (m *Manager) UserLocks(userID string) []Lock {
	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.conf.Clock()
	var res []Lock
	for lockID := range m.byUser[userID] {
		l := m.locks[lockID]
		if l.expired(now) {
			m.removeLocked(l)
			out = append(out, m.event(events.LockExpired, l, nil))
			continue
		}
		res = append(res, l.snapshot())
	}
	sortLocks(res)
	return res
}

// ReleaseUserLocks drops every grant a user holds, e.g. on disconnect.
func (m *Manager) ReleaseUserLocks(userID string) int {
	var out []events.Event
	defer func() { m.emit(out) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for lockID := range m.byUser[userID] {
		l := m.locks[lockID]
		m.removeLocked(l)
		out = append(out, m.event(events.LockReleased, l, nil))
		n++
	}
	out = append(out, events.New(events.SourceLock, events.UserLocksReleased, map[string]any{
		"userId":        userID,
		"releasedCount": n,
	}))
	return n
}

// ActiveLocks lists unexpired grants ordered by creation.
func (m *Manager) ActiveLocks() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.conf.Clock()
	res := make([]Lock, 0, len(m.locks))
	for _, l := range m.locks {
		if !l.expired(now) {
			res = append(res, l.snapshot())
		}
	}
	sortLocks(res)
	return res
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.conf.Clock()
	st := Stats{Resources: len(m.resources), Users: len(m.byUser)}
	for _, l := range m.locks {
		if l.expired(now) {
			continue
		}
		st.Total++
		if l.Mode == Exclusive {
			st.Exclusive++
		} else {
			st.Shared++
		}
	}
	return st
}

// Start launches the background sweeper. Safe to call once.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	safe.SafeGo("lock-sweeper", func() {
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

// SweepOnce removes every expired grant and emits one batched event.
func (m *Manager) SweepOnce() int {
	m.mu.Lock()
	now := m.conf.Clock()
	var cleaned []map[string]any
	for _, l := range m.locks {
		if !l.expired(now) {
			continue
		}
		m.removeLocked(l)
		cleaned = append(cleaned, map[string]any{
			"lockId":     l.ID,
			"resourceId": l.ResourceID,
			"userId":     l.UserID,
		})
	}
	m.mu.Unlock()

	if len(cleaned) > 0 {
		m.log.Info("expired locks cleaned", zap.Int("count", len(cleaned)))
		m.pub.Publish(events.New(events.SourceLock, events.LocksCleaned, map[string]any{
			"count": len(cleaned),
			"locks": cleaned,
		}))
	}
	return len(cleaned)
}

// ---------------- 内部方法（调用方持有 mu） ----------------

func (m *Manager) liveLocked(lockID string, out *[]events.Event) (*Lock, error) {
	l, ok := m.locks[lockID]
	if !ok {
		return nil, errs.ErrNotFound.WithDetail(lockID)
	}
	if l.expired(m.conf.Clock()) {
		m.removeLocked(l)
		*out = append(*out, m.event(events.LockExpired, l, nil))
		return nil, errs.ErrNotFound.WithDetail(lockID + " expired")
	}
	return l, nil
}

func (m *Manager) purgeResourceLocked(resourceID string, now time.Time, out []events.Event) []events.Event {
	res, ok := m.resources[resourceID]
	if !ok {
		return out
	}
	for _, lockID := range res.holders {
		if l := m.locks[lockID]; l.expired(now) {
			m.removeLocked(l)
			out = append(out, m.event(events.LockExpired, l, nil))
		}
	}
	return out
}

func (m *Manager) insertLocked(l *Lock) {
	m.locks[l.ID] = l
	res, ok := m.resources[l.ResourceID]
	if !ok {
		res = &resource{mode: l.Mode, holders: make(map[string]string)}
		m.resources[l.ResourceID] = res
	}
	res.holders[l.UserID] = l.ID
	set, ok := m.byUser[l.UserID]
	if !ok {
		set = make(map[string]struct{})
		m.byUser[l.UserID] = set
	}
	set[l.ID] = struct{}{}
}

func (m *Manager) removeLocked(l *Lock) {
	delete(m.locks, l.ID)
	if res, ok := m.resources[l.ResourceID]; ok {
		if res.holders[l.UserID] == l.ID {
			delete(res.holders, l.UserID)
		}
		if len(res.holders) == 0 {
			delete(m.resources, l.ResourceID)
		}
	}
	if set, ok := m.byUser[l.UserID]; ok {
		delete(set, l.ID)
		if len(set) == 0 {
			delete(m.byUser, l.UserID)
		}
	}
}

func (m *Manager) holdersLocked(res *resource) []Lock {
	out := make([]Lock, 0, len(res.holders))
	for _, lockID := range res.holders {
		out = append(out, m.locks[lockID].snapshot())
	}
	sortLocks(out)
	return out
}

func (m *Manager) conflictLocked(resourceID string, res *resource) *ConflictError {
	holders := m.holdersLocked(res)
	ce := &ConflictError{ResourceID: resourceID, Mode: res.mode}
	// lockedBy/expiresAt name the same holder: whoever keeps the resource longest
	for _, h := range holders {
		ce.Holders = append(ce.Holders, h.UserID)
		if h.ExpiresAt.After(ce.ExpiresAt) {
			ce.ExpiresAt = h.ExpiresAt
			ce.LockedBy = h.UserID
		}
	}
	return ce
}

func (m *Manager) event(typ string, l *Lock, extra map[string]any) events.Event {
	data := map[string]any{
		"lockId":     l.ID,
		"resourceId": l.ResourceID,
		"userId":     l.UserID,
		"mode":       string(l.Mode),
	}
	for k, v := range extra {
		data[k] = v
	}
	return events.New(events.SourceLock, typ, data)
}

func (m *Manager) emit(out []events.Event) {
	for _, e := range out {
		m.pub.Publish(e)
	}
}

func sortLocks(ls []Lock) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].CreatedAt.Equal(ls[j].CreatedAt) {
			return ls[i].ID < ls[j].ID
		}
		return ls[i].CreatedAt.Before(ls[j].CreatedAt)
	})
}

func copyMeta(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
