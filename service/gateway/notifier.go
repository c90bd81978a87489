package gateway

import (
	"sync"

	"PPCollab/tools/safe"
)

type noteKind int

const (
	noteAuthenticated noteKind = iota
	noteJoined
	noteLeft
	noteClosed
)

type memberNote struct {
	kind noteKind
	ev   MemberEvent
}

// notifier is an unbounded FIFO drained by one goroutine, so pushing while
// holding the registry lock never blocks and listeners see emission order.
type notifier struct {
	mu        sync.Mutex
	q         []memberNote
	wake      chan struct{}
	stop      chan struct{}
	idle      *sync.Cond
	busy      bool
	stopped   bool
	listeners []RoomListener
}

func newNotifier() *notifier {
	n := &notifier{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	n.idle = sync.NewCond(&n.mu)
	return n
}

func (n *notifier) add(l RoomListener) {
	n.mu.Lock()
	n.listeners = append(n.listeners, l)
	n.mu.Unlock()
}

func (n *notifier) push(kind noteKind, ev MemberEvent) {
	n.mu.Lock()
	n.q = append(n.q, memberNote{kind: kind, ev: ev})
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) loop() {
	defer n.finish()
	for {
		select {
		case <-n.wake:
		case <-n.stop:
			// 停止前把已入队的事件投递完
			n.drain()
			return
		}
		n.drain()
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.q) == 0 {
			n.busy = false
			n.idle.Broadcast()
			n.mu.Unlock()
			return
		}
		batch := n.q
		n.q = nil
		n.busy = true
		ls := append([]RoomListener(nil), n.listeners...)
		n.mu.Unlock()

		for _, note := range batch {
			for _, l := range ls {
				deliver(l, note)
			}
		}
	}
}

// finish releases flush callers once the loop is gone. Notes pushed after
// that are never delivered.
func (n *notifier) finish() {
	n.mu.Lock()
	n.stopped = true
	n.busy = false
	n.idle.Broadcast()
	n.mu.Unlock()
}

// flush blocks until every queued note has been delivered, or the loop has
// exited.
func (n *notifier) flush() {
	n.mu.Lock()
	for (len(n.q) > 0 || n.busy) && !n.stopped {
		n.idle.Wait()
	}
	n.mu.Unlock()
}

func deliver(l RoomListener, note memberNote) {
	safe.Run("room-listener", func() {
		switch note.kind {
		case noteAuthenticated:
			l.OnAuthenticated(note.ev)
		case noteJoined:
			l.OnRoomJoined(note.ev)
		case noteLeft:
			l.OnRoomLeft(note.ev)
		case noteClosed:
			l.OnConnectionClosed(note.ev)
		}
	})
}
