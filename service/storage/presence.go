package storage

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"PPCollab/logger"
	"PPCollab/service/gateway"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// presence keys: collab:presence:user:<userId> holds a JSON Entry whose TTL
// controls validity, collab:presence:instance:<id> is a set of userIds.
func userKey(user string) string     { return "collab:presence:user:" + user }
func instanceKey(inst string) string { return "collab:presence:instance:" + inst }

// Entry is what other nodes read back for an online user.
type Entry struct {
	ConnectionID string    `json:"connectionId"`
	InstanceID   string    `json:"instanceId,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// presence ops queued by the registry listener callbacks
const (
	opOnline  = "online"
	opJoin    = "join"
	opLeave   = "leave"
	opOffline = "offline"
)

type presenceOp struct {
	op string
	ev gateway.MemberEvent
}

// Presence mirrors registry membership into Redis so peers and operators can
// see who is where. It is best effort: failures are logged, never returned
// to the registry.
//
// Listener callbacks run on the registry's event goroutine, so they only
// enqueue; Run owns the Redis round trips. A full queue drops the event and
// the next refresh repairs the user key.
type Presence struct {
	gateway.NopListener
	rdb     *redis.Client
	ttl     time.Duration
	timeout time.Duration
	ops     chan presenceOp
	dropped atomic.Int64
	log     *zap.Logger
	now     func() time.Time
}

const defaultQueueSize = 1024

func NewPresence(rdb *redis.Client, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Presence{
		rdb:     rdb,
		ttl:     ttl,
		timeout: 500 * time.Millisecond,
		ops:     make(chan presenceOp, defaultQueueSize),
		log:     logger.Named("presence"),
		now:     time.Now,
	}
}

func (p *Presence) OnAuthenticated(ev gateway.MemberEvent) { p.enqueue(opOnline, ev) }
func (p *Presence) OnRoomJoined(ev gateway.MemberEvent)    { p.enqueue(opJoin, ev) }
func (p *Presence) OnRoomLeft(ev gateway.MemberEvent)      { p.enqueue(opLeave, ev) }

func (p *Presence) OnConnectionClosed(ev gateway.MemberEvent) {
	if ev.UserID == "" {
		return
	}
	p.enqueue(opOffline, ev)
}

// Dropped counts events discarded because the queue was full.
func (p *Presence) Dropped() int64 { return p.dropped.Load() }

func (p *Presence) enqueue(op string, ev gateway.MemberEvent) {
	select {
	case p.ops <- presenceOp{op: op, ev: ev}:
	default:
		n := p.dropped.Add(1)
		p.log.Warn("presence queue full, event dropped",
			zap.String("op", op),
			zap.String("user_id", ev.UserID),
			zap.Int64("dropped", n))
	}
}

// handle applies one op under its own timeout.
func (p *Presence) handle(ctx context.Context, o presenceOp) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	p.warn(o.op, o.ev, p.apply(ctx, o))
}

func (p *Presence) apply(ctx context.Context, o presenceOp) error {
	ev := o.ev
	switch o.op {
	case opOnline:
		return p.put(ctx, ev.UserID, Entry{ConnectionID: ev.ConnectionID})
	case opJoin:
		_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, instanceKey(ev.RoomID), ev.UserID)
			pipe.Set(ctx, userKey(ev.UserID), p.encode(Entry{ConnectionID: ev.ConnectionID, InstanceID: ev.RoomID}), p.ttl)
			return nil
		})
		return err
	case opLeave:
		_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, instanceKey(ev.RoomID), ev.UserID)
			pipe.Set(ctx, userKey(ev.UserID), p.encode(Entry{ConnectionID: ev.ConnectionID}), p.ttl)
			return nil
		})
		return err
	case opOffline:
		return p.offline(ctx, ev)
	}
	return errors.Errorf("unknown presence op %q", o.op)
}

// offline only drops the user key when it still points at the closing
// connection; another tab may have taken over.
func (p *Presence) offline(ctx context.Context, ev gateway.MemberEvent) error {
	e, ok, err := p.Lookup(ctx, ev.UserID)
	if err != nil || !ok {
		return err
	}
	if e.ConnectionID != ev.ConnectionID {
		return nil
	}
	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if e.InstanceID != "" {
			pipe.SRem(ctx, instanceKey(e.InstanceID), ev.UserID)
		}
		pipe.Del(ctx, userKey(ev.UserID))
		return nil
	})
	return err
}

// Lookup returns the presence entry of a user; ok is false when offline.
func (p *Presence) Lookup(ctx context.Context, userID string) (Entry, bool, error) {
	val, err := p.rdb.Get(ctx, userKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrap(err, "presence lookup")
	}
	var e Entry
	if err := json.Unmarshal(val, &e); err != nil {
		return Entry{}, false, errors.Wrap(err, "presence decode")
	}
	return e, true, nil
}

// InstanceUsers lists user ids recorded in an instance, across nodes.
func (p *Presence) InstanceUsers(ctx context.Context, instanceID string) ([]string, error) {
	users, err := p.rdb.SMembers(ctx, instanceKey(instanceID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "presence members")
	}
	return users, nil
}

// Refresh renews the TTL of every authenticated connection's entry.
func (p *Presence) Refresh(ctx context.Context, conns []gateway.ConnInfo) error {
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range conns {
			if c.UserID == "" {
				continue
			}
			pipe.Set(ctx, userKey(c.UserID), p.encode(Entry{ConnectionID: c.ID, InstanceID: c.RoomID}), p.ttl)
		}
		return nil
	})
	return errors.Wrap(err, "presence refresh")
}

// Run is the only goroutine that talks to Redis: it applies queued
// membership ops and refreshes every live entry on a ticker until ctx ends.
func (p *Presence) Run(ctx context.Context, every time.Duration, list func() []gateway.ConnInfo) {
	if every <= 0 {
		every = p.ttl / 2
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-p.ops:
			p.handle(ctx, o)
		case <-t.C:
			if err := p.Refresh(ctx, list()); err != nil {
				p.log.Warn("presence refresh failed", zap.Error(err))
			}
		}
	}
}

func (p *Presence) put(ctx context.Context, user string, e Entry) error {
	return p.rdb.Set(ctx, userKey(user), p.encode(e), p.ttl).Err()
}

func (p *Presence) encode(e Entry) []byte {
	e.UpdatedAt = p.now()
	b, _ := json.Marshal(e)
	return b
}

func (p *Presence) warn(op string, ev gateway.MemberEvent, err error) {
	if err == nil {
		return
	}
	p.log.Warn("presence "+op+" failed",
		zap.String("user_id", ev.UserID),
		zap.String("connection_id", ev.ConnectionID),
		zap.String("instance_id", ev.RoomID),
		zap.Error(err))
}
