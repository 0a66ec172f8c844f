// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package registry_test

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/registry"
	"github.com/tomtom215/fanout/internal/registry/registrytest"
)

func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

func TestRegister_ReplacesAndClosesPrevious(t *testing.T) {
	r := registry.New()
	first := registrytest.NewHandle("alice", registry.TransportSSE)
	second := registrytest.NewHandle("alice", registry.TransportSSE)

	r.Register(first)
	r.Register(second)

	if !first.IsClosed() {
		t.Error("previous handle should be closed on replacement")
	}
	got, ok := r.Lookup("alice", registry.TransportSSE)
	if !ok || got != second {
		t.Fatalf("Lookup() = %v, %v; want second handle", got, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegister_TransportsAreIndependent(t *testing.T) {
	r := registry.New()
	sse := registrytest.NewHandle("alice", registry.TransportSSE)
	ws := registrytest.NewHandle("alice", registry.TransportWebSocket)

	r.Register(sse)
	r.Register(ws)

	if sse.IsClosed() || ws.IsClosed() {
		t.Error("handles on different transports must not replace each other")
	}
	if got := r.LookupMany([]string{"alice"}); len(got) != 2 {
		t.Errorf("LookupMany() returned %d handles, want 2", len(got))
	}
}

func TestDeregister_CompareAndRemove(t *testing.T) {
	r := registry.New()
	old := registrytest.NewHandle("bob", registry.TransportWebSocket)
	cur := registrytest.NewHandle("bob", registry.TransportWebSocket)
	r.Register(old)
	r.Register(cur)

	if r.Deregister(old) {
		t.Error("Deregister(superseded) should not clear the slot")
	}
	if _, ok := r.Lookup("bob", registry.TransportWebSocket); !ok {
		t.Fatal("current handle removed by stale deregister")
	}
	if !r.Deregister(cur) {
		t.Error("Deregister(current) should clear the slot")
	}
	if r.Deregister(cur) {
		t.Error("second Deregister should be a no-op")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestHooks_AlwaysDeregister(t *testing.T) {
	tests := []struct {
		name string
		end  func(h *registrytest.Handle)
	}{
		{name: "close", end: func(h *registrytest.Handle) { _ = h.Close() }},
		{name: "error", end: func(h *registrytest.Handle) { h.CloseWithError(errors.New("broken pipe")) }},
		{name: "timeout", end: func(h *registrytest.Handle) { h.FireTimeout() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := registry.New()
			h := registrytest.NewHandle("carol", registry.TransportSSE)
			r.Register(h)
			tt.end(h)
			if r.Len() != 0 {
				t.Errorf("Len() = %d after %s, want 0", r.Len(), tt.name)
			}
		})
	}
}

func TestHooks_ArmTimeout(t *testing.T) {
	r := registry.New()
	h := registrytest.NewHandle("dave", registry.TransportSSE)
	r.Register(h)
	h.ArmTimeout(10 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Len() != 0 {
		t.Fatal("timed out handle was not deregistered")
	}
	if !h.IsClosed() {
		t.Error("timed out handle should be closed by deregistration")
	}
}

func TestHooks_LateRegistrationRunsImmediately(t *testing.T) {
	h := registrytest.NewHandle("erin", registry.TransportSSE)
	_ = h.Close()

	r := registry.New()
	r.Register(h)
	if r.Len() != 0 {
		t.Error("registering an already closed handle should leave nothing behind")
	}
}

func TestLookupMany_PresentSubset(t *testing.T) {
	r := registry.New()
	r.Register(registrytest.NewHandle("a", registry.TransportSSE))
	r.Register(registrytest.NewHandle("c", registry.TransportWebSocket))

	got := r.LookupMany([]string{"a", "b", "c"})
	if len(got) != 2 {
		t.Fatalf("LookupMany() returned %d handles, want 2", len(got))
	}
	if _, ok := got[registry.Key{SubscriberID: "b", Transport: registry.TransportSSE}]; ok {
		t.Error("absent subscriber should not appear")
	}
}

func TestAll_SnapshotIsStable(t *testing.T) {
	r := registry.New()
	for i := 0; i < 5; i++ {
		r.Register(registrytest.NewHandle(fmt.Sprintf("user-%d", i), registry.TransportSSE))
	}
	snapshot := r.All()
	for _, h := range snapshot {
		r.Deregister(h)
	}
	if len(snapshot) != 5 {
		t.Errorf("snapshot length changed to %d", len(snapshot))
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_ConcurrentRegisterKeepsLatest(t *testing.T) {
	r := registry.New()
	const n = 50
	handles := make([]*registrytest.Handle, n)
	for i := range handles {
		handles[i] = registrytest.NewHandle("same", registry.TransportWebSocket)
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *registrytest.Handle) {
			defer wg.Done()
			r.Register(h)
		}(h)
	}
	wg.Wait()

	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	live, _ := r.Lookup("same", registry.TransportWebSocket)
	open := 0
	for _, h := range handles {
		if !h.IsClosed() {
			open++
			if registry.Handle(h) != live {
				t.Error("an open handle is not the registered one")
			}
		}
	}
	if open != 1 {
		t.Errorf("%d handles left open, want 1", open)
	}
}

func TestRegistry_ConcurrentRegisterDeregister(t *testing.T) {
	r := registry.New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		h := registrytest.NewHandle(fmt.Sprintf("u%d", i%10), registry.TransportSSE)
		go func() {
			defer wg.Done()
			r.Register(h)
		}()
		go func() {
			defer wg.Done()
			_ = r.All()
			_ = r.LookupMany([]string{"u1", "u2"})
		}()
	}
	wg.Wait()

	if r.Len() > 10 {
		t.Errorf("Len() = %d, want at most one per subscriber", r.Len())
	}
	r.CloseAll()
	if r.Len() != 0 {
		t.Errorf("Len() after CloseAll = %d, want 0", r.Len())
	}
}

func TestRegister_SameHandleTwiceIsNoop(t *testing.T) {
	r := registry.New()
	h := registrytest.NewHandle("frank", registry.TransportWebSocket)
	r.Register(h)
	r.Register(h)

	if h.IsClosed() {
		t.Error("re-registering a handle should not close it")
	}
	got, ok := r.Lookup("frank", registry.TransportWebSocket)
	if !ok || got != registry.Handle(h) || r.Len() != 1 {
		t.Errorf("Lookup() = %v, %v; Len() = %d", got, ok, r.Len())
	}
}
