package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Conn is one live client link. userID and roomID are guarded by Registry.mu;
// everything else is safe to use concurrently.
type Conn struct {
	id        string
	remote    string
	createdAt time.Time

	tr   Transport
	out  chan []byte // 每连接独立发送队列
	done chan struct{}

	closeOnce sync.Once
	alive     atomic.Bool
	reaping   atomic.Bool

	userID string
	roomID string
}

func newConn(id string, tr Transport, queue int, now time.Time) *Conn {
	c := &Conn{
		id:        id,
		remote:    tr.RemoteAddr(),
		createdAt: now,
		tr:        tr,
		out:       make(chan []byte, queue),
		done:      make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue never blocks: a closed, unwritable or backed-up link counts as a failed delivery.
func (c *Conn) enqueue(b []byte) bool {
	if c.closed() || !c.tr.Writable() {
		return false
	}
	select {
	case c.out <- b:
		return true
	default:
		return false
	}
}

func (c *Conn) info() ConnInfo {
	return ConnInfo{
		ID:         c.id,
		RemoteAddr: c.remote,
		CreatedAt:  c.createdAt,
		UserID:     c.userID,
		RoomID:     c.roomID,
		Alive:      c.alive.Load(),
		QueueLen:   len(c.out),
	}
}

// writeLoop is the only writer of data frames for this connection.
func (c *Conn) writeLoop(r *Registry) {
	for {
		select {
		case b := <-c.out:
			if err := c.tr.WriteText(b, time.Now().Add(r.conf.WriteWait)); err != nil {
				r.log.Debug("write failed", zap.String("conn_id", c.id), zap.Error(err))
				r.Close(c.id, "write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.tr.Close()
	})
}
