package ids

import (
	"strings"
	"sync"
	"testing"
)

func TestGeneratorUniqueUnderContention(t *testing.T) {
	g := NewGenerator(7)
	const workers, per = 8, 500

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, per)
			for i := 0; i < per; i++ {
				local = append(local, g.Next())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != workers*per {
		t.Fatalf("duplicate ids: got %d unique of %d", len(seen), workers*per)
	}
	for id := range seen {
		if node := (id >> 12) & 0x3FF; node != 7 {
			t.Fatalf("id %d carries node %d", id, node)
		}
		break
	}
}

func TestPrefixedAndConnectionID(t *testing.T) {
	if id := Prefixed("lock"); !strings.HasPrefix(id, "lock_") || len(id) != len("lock_")+36 {
		t.Fatalf("unexpected lock id %q", id)
	}
	if a, b := ConnectionID(), ConnectionID(); a == b || !strings.HasPrefix(a, "conn_") {
		t.Fatalf("unexpected connection ids %q %q", a, b)
	}
}
