package client

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"queuedeck/server/internal/queue"
	"queuedeck/server/internal/rbac"
	"queuedeck/server/internal/slice"
	"queuedeck/server/internal/store"
	"queuedeck/server/internal/wire"
)

type allowAll struct{}

func (allowAll) Can(queue.UserID, rbac.Action) bool { return true }

// peer couples one client store to a live authority over its update feed,
// the way the socket layer does in production but without the transport.
type peer struct {
	t     *testing.T
	store *Store
	feed  <-chan wire.Update
}

func newPeer(t *testing.T, authority *slice.Authority, clientID queue.ClientID, user queue.UserID) *peer {
	t.Helper()
	feed, cancel := authority.Subscribe(clientID, user)
	t.Cleanup(cancel)

	send := func(up wire.ClientUpdate) error {
		return authority.ProcessUpdate(context.Background(), clientID, user, up)
	}
	p := &peer{t: t, store: New(user, send), feed: feed}
	return p
}

// drain feeds every queued update into the store. Dispatching can put more
// updates on other peers' feeds, so convergence tests drain all peers until
// everything is quiet.
func (p *peer) drain() bool {
	p.t.Helper()
	any := false
	for {
		select {
		case update, ok := <-p.feed:
			if !ok {
				p.t.Fatal("feed closed")
			}
			if err := p.store.HandleUpdate(update); err != nil {
				p.t.Fatalf("HandleUpdate: %v", err)
			}
			any = true
		default:
			return any
		}
	}
}

func drainAll(peers ...*peer) {
	for {
		quiet := true
		for _, p := range peers {
			if p.drain() {
				quiet = false
			}
		}
		if quiet {
			return
		}
	}
}

func TestTwoClientConvergence(t *testing.T) {
	mem := store.NewMemStore()
	mem.Seed("srv-1", []queue.Item{
		{ID: "a", Payload: json.RawMessage(`{"layer":"a"}`)},
		{ID: "b", Payload: json.RawMessage(`{"layer":"b"}`)},
	}, 1)
	authority, err := slice.New(context.Background(), "srv-1", mem, allowAll{}, time.Minute)
	if err != nil {
		t.Fatalf("authority: %v", err)
	}

	p1 := newPeer(t, authority, "c1", "u1")
	p2 := newPeer(t, authority, "c2", "u2")
	drainAll(p1, p2)

	if _, err := p1.store.Dispatch(queue.Operation{
		Code:  queue.OpAdd,
		Index: 2,
		Items: []queue.Item{{ID: "c", Payload: json.RawMessage(`{"layer":"c"}`)}},
	}); err != nil {
		t.Fatalf("dispatch add: %v", err)
	}
	drainAll(p1, p2)

	if _, err := p2.store.Dispatch(queue.Operation{
		Code:        queue.OpMove,
		ItemID:      "c",
		TargetIndex: 0,
	}); err != nil {
		t.Fatalf("dispatch move: %v", err)
	}
	drainAll(p1, p2)

	want := []queue.ItemID{"c", "a", "b"}
	for name, st := range map[string]*Store{"p1": p1.store, "p2": p2.store} {
		if st.PendingOps() != 0 {
			t.Fatalf("%s: pending = %d", name, st.PendingOps())
		}
		if got := ids(st.Items()); !reflect.DeepEqual(got, want) {
			t.Fatalf("%s: items = %v, want %v", name, got, want)
		}
		if !reflect.DeepEqual(st.Items(), st.SyncedItems()) {
			t.Fatalf("%s: speculative and synced views diverge", name)
		}
	}
	if got := ids(authority.SessionCopy().Items); !reflect.DeepEqual(got, want) {
		t.Fatalf("authority: items = %v, want %v", got, want)
	}
}

func TestCrossClientEditsConverge(t *testing.T) {
	mem := store.NewMemStore()
	mem.Seed("srv-1", []queue.Item{
		{ID: "a", Payload: json.RawMessage(`{"layer":"a"}`)},
		{ID: "b", Payload: json.RawMessage(`{"layer":"b"}`)},
	}, 1)
	authority, err := slice.New(context.Background(), "srv-1", mem, allowAll{}, time.Minute)
	if err != nil {
		t.Fatalf("authority: %v", err)
	}

	p1 := newPeer(t, authority, "c1", "u1")
	p2 := newPeer(t, authority, "c2", "u2")
	drainAll(p1, p2)

	// p2 dispatches after seeing p1's edit but before p1 has reconciled
	// its own echo; p1 then consumes its echo and the foreign remove in
	// sequence.
	if _, err := p1.store.Dispatch(queue.Operation{Code: queue.OpEdit, ItemID: "a", Patch: json.RawMessage(`{"note":"x"}`)}); err != nil {
		t.Fatalf("p1 dispatch: %v", err)
	}
	p2.drain()
	if _, err := p2.store.Dispatch(queue.Operation{Code: queue.OpRemove, ItemIDs: []queue.ItemID{"b"}}); err != nil {
		t.Fatalf("p2 dispatch: %v", err)
	}
	drainAll(p1, p2)

	want := ids(authority.SessionCopy().Items)
	if !reflect.DeepEqual(want, []queue.ItemID{"a"}) {
		t.Fatalf("authority items = %v", want)
	}
	for name, st := range map[string]*Store{"p1": p1.store, "p2": p2.store} {
		if got := ids(st.SyncedItems()); !reflect.DeepEqual(got, want) {
			t.Fatalf("%s: synced = %v, want %v", name, got, want)
		}
		item := st.SyncedSession().Find("a")
		if item == nil || !reflect.DeepEqual(item.Payload, json.RawMessage(`{"layer":"a","note":"x"}`)) {
			t.Fatalf("%s: item a = %+v", name, item)
		}
	}
}
