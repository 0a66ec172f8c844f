// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package presence_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/fanout/internal/broker"
	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/presence"
)

func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

type storeFactory func(t *testing.T) presence.Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) presence.Store {
			return presence.NewMemoryStore()
		},
		"badger": func(t *testing.T) presence.Store {
			s, err := presence.OpenBadgerStore("")
			if err != nil {
				t.Fatalf("OpenBadgerStore() error = %v", err)
			}
			return s
		},
		"nats": newKVStore,
	}
}

func newKVStore(t *testing.T) presence.Store {
	t.Helper()
	srv, err := broker.NewEmbeddedServer(broker.ServerConfig{
		Host:     "127.0.0.1",
		Port:     -1,
		StoreDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewEmbeddedServer() error = %v", err)
	}
	conn, err := broker.Connect(srv.ClientURL(), "presence-test")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() {
		conn.NC.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := presence.NewKVStore(ctx, conn.JS, "PRESENCE_TEST")
	if err != nil {
		t.Fatalf("NewKVStore() error = %v", err)
	}
	return s
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s presence.Store)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

func TestStore_AddRemoveCount(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s presence.Store) {
		ctx := context.Background()
		room := "watch-42"

		added, err := s.AddMember(ctx, room, "alice")
		if err != nil || !added {
			t.Fatalf("first AddMember() = %v, %v; want true", added, err)
		}
		added, err = s.AddMember(ctx, room, "alice")
		if err != nil || added {
			t.Fatalf("repeated AddMember() = %v, %v; want false", added, err)
		}
		if _, err := s.AddMember(ctx, room, "bob"); err != nil {
			t.Fatalf("AddMember(bob) error = %v", err)
		}
		if n, _ := s.Count(ctx, room); n != 2 {
			t.Errorf("Count() = %d, want 2", n)
		}

		removed, err := s.RemoveMember(ctx, room, "alice")
		if err != nil || !removed {
			t.Fatalf("RemoveMember() = %v, %v; want true", removed, err)
		}
		removed, err = s.RemoveMember(ctx, room, "alice")
		if err != nil || removed {
			t.Fatalf("repeated RemoveMember() = %v, %v; want false", removed, err)
		}
		if n, _ := s.Count(ctx, room); n != 1 {
			t.Errorf("Count() after remove = %d, want 1", n)
		}

		// Rejoin after leaving is a new add.
		added, err = s.AddMember(ctx, room, "alice")
		if err != nil || !added {
			t.Errorf("rejoin AddMember() = %v, %v; want true", added, err)
		}
	})
}

func TestStore_RoomsAreIsolated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s presence.Store) {
		ctx := context.Background()
		_, _ = s.AddMember(ctx, "watch-1", "alice")
		_, _ = s.AddMember(ctx, "watch-10", "bob")

		if n, _ := s.Count(ctx, "watch-1"); n != 1 {
			t.Errorf("Count(watch-1) = %d, want 1", n)
		}
		if n, _ := s.Count(ctx, "empty"); n != 0 {
			t.Errorf("Count(empty) = %d, want 0", n)
		}
	})
}

func TestStore_ConcurrentAddCountsOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s presence.Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		var mu sync.Mutex
		newAdds := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				added, err := s.AddMember(ctx, "watch-7", "carol")
				if err != nil {
					t.Errorf("AddMember() error = %v", err)
					return
				}
				if added {
					mu.Lock()
					newAdds++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if newAdds != 1 {
			t.Errorf("%d calls reported a new member, want 1", newAdds)
		}
		if n, _ := s.Count(ctx, "watch-7"); n != 1 {
			t.Errorf("Count() = %d, want 1", n)
		}
	})
}

func TestStore_MembersOrderedByJoin(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s presence.Store) {
		ctx := context.Background()
		for _, id := range []string{"zed", "amy", "kim"} {
			if _, err := s.AddMember(ctx, "watch-3", id); err != nil {
				t.Fatalf("AddMember(%s) error = %v", id, err)
			}
			time.Sleep(2 * time.Millisecond)
		}
		entries, err := s.Members(ctx, "watch-3")
		if err != nil {
			t.Fatalf("Members() error = %v", err)
		}
		got := presence.SubscriberIDs(entries)
		want := []string{"zed", "amy", "kim"}
		if len(got) != len(want) {
			t.Fatalf("Members() = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Members()[%d] = %s, want %s", i, got[i], want[i])
			}
		}
	})
}

func TestStore_EvictBefore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s presence.Store) {
		ctx := context.Background()
		_, _ = s.AddMember(ctx, "watch-9", "old")
		time.Sleep(5 * time.Millisecond)
		cutoff := time.Now()
		time.Sleep(5 * time.Millisecond)
		_, _ = s.AddMember(ctx, "watch-9", "new")

		n, err := s.EvictBefore(ctx, "watch-9", cutoff)
		if err != nil {
			t.Fatalf("EvictBefore() error = %v", err)
		}
		if n != 1 {
			t.Errorf("EvictBefore() = %d, want 1", n)
		}
		entries, _ := s.Members(ctx, "watch-9")
		if len(entries) != 1 || entries[0].SubscriberID != "new" {
			t.Errorf("remaining members = %v, want [new]", presence.SubscriberIDs(entries))
		}
	})
}

func TestStore_RejectsBlankIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s presence.Store) {
		ctx := context.Background()
		if _, err := s.AddMember(ctx, "", "alice"); !errors.Is(err, presence.ErrInvalidMember) {
			t.Errorf("AddMember(blank room) error = %v", err)
		}
		if _, err := s.RemoveMember(ctx, "watch-1", ""); !errors.Is(err, presence.ErrInvalidMember) {
			t.Errorf("RemoveMember(blank subscriber) error = %v", err)
		}
	})
}

func TestStore_ClosedStore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s presence.Store) {
		_ = s.Close()
		if _, err := s.AddMember(context.Background(), "watch-1", "alice"); !errors.Is(err, presence.ErrStoreClosed) {
			t.Errorf("AddMember() after Close error = %v, want ErrStoreClosed", err)
		}
	})
}
