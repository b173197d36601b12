// Package queue holds the edit-session model and its operation reducer.
//
// A Session is the live, mutable ordered list plus its append-only operation
// log and editor set. The reducer is pure bookkeeping: it never inspects item
// payloads, only identity, position and parent/child structure.
package queue

import (
	"encoding/json"
	"fmt"
)

type ItemID string
type UserID string

// ClientID identifies one connected client; a user editing from two tabs
// holds two client ids.
type ClientID string

// Item is an opaque node in the queue. Children carry nested entries such as
// the choices of a vote item; the engine treats both levels identically.
type Item struct {
	ID       ItemID          `json:"id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Children []Item          `json:"children,omitempty"`
}

// MutationDiff records which items the session has touched since it was
// built from the persisted queue.
type MutationDiff struct {
	Added   map[ItemID]struct{} `json:"added"`
	Removed map[ItemID]struct{} `json:"removed"`
	Moved   map[ItemID]struct{} `json:"moved"`
	Edited  map[ItemID]struct{} `json:"edited"`
}

func newMutationDiff() MutationDiff {
	return MutationDiff{
		Added:   make(map[ItemID]struct{}),
		Removed: make(map[ItemID]struct{}),
		Moved:   make(map[ItemID]struct{}),
		Edited:  make(map[ItemID]struct{}),
	}
}

// Session is owned exclusively by one slice authority while live. Clients
// only ever hold copies produced by Clone.
type Session struct {
	Items   []Item
	Ops     []Operation
	Editors map[UserID]struct{}
	Diff    MutationDiff

	seen map[string]struct{}
}

// NewSession builds a fresh session over a copy of items, with an empty op
// log and mutation diff.
func NewSession(items []Item) *Session {
	return &Session{
		Items:   cloneItems(items),
		Ops:     nil,
		Editors: make(map[UserID]struct{}),
		Diff:    newMutationDiff(),
		seen:    make(map[string]struct{}),
	}
}

// Clone deep-copies the session. The copy shares nothing with the original.
func (s *Session) Clone() *Session {
	out := &Session{
		Items:   cloneItems(s.Items),
		Ops:     make([]Operation, len(s.Ops)),
		Editors: make(map[UserID]struct{}, len(s.Editors)),
		Diff:    newMutationDiff(),
		seen:    make(map[string]struct{}, len(s.seen)),
	}
	copy(out.Ops, s.Ops)
	for user := range s.Editors {
		out.Editors[user] = struct{}{}
	}
	for id := range s.Diff.Added {
		out.Diff.Added[id] = struct{}{}
	}
	for id := range s.Diff.Removed {
		out.Diff.Removed[id] = struct{}{}
	}
	for id := range s.Diff.Moved {
		out.Diff.Moved[id] = struct{}{}
	}
	for id := range s.Diff.Edited {
		out.Diff.Edited[id] = struct{}{}
	}
	for id := range s.seen {
		out.seen[id] = struct{}{}
	}
	return out
}

// HasMutations reports whether any diff set is non-empty.
func (s *Session) HasMutations() bool {
	return len(s.Diff.Added) > 0 || len(s.Diff.Removed) > 0 || len(s.Diff.Moved) > 0 || len(s.Diff.Edited) > 0
}

// HasMutationsBy reports whether user contributed any list-mutating op.
func (s *Session) HasMutationsBy(user UserID) bool {
	for _, op := range s.Ops {
		if op.UserID != user {
			continue
		}
		switch op.Code {
		case OpAdd, OpRemove, OpMove, OpEdit:
			return true
		}
	}
	return false
}

// Find returns the item with the given id, or nil.
func (s *Session) Find(id ItemID) *Item {
	return findItem(s.Items, id)
}

// ItemIDs returns the ids of the top-level items in order.
func (s *Session) ItemIDs() []ItemID {
	ids := make([]ItemID, len(s.Items))
	for i, item := range s.Items {
		ids[i] = item.ID
	}
	return ids
}

// CloneItems deep-copies an item forest.
func CloneItems(items []Item) []Item {
	return cloneItems(items)
}

func cloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, item := range items {
		out[i] = Item{
			ID:       item.ID,
			Payload:  append(json.RawMessage(nil), item.Payload...),
			Children: cloneItems(item.Children),
		}
	}
	return out
}

func findItem(items []Item, id ItemID) *Item {
	for i := range items {
		if items[i].ID == id {
			return &items[i]
		}
		if found := findItem(items[i].Children, id); found != nil {
			return found
		}
	}
	return nil
}

// detachItem removes the item with the given id from the forest and returns
// it together with whether it was found.
func detachItem(items *[]Item, id ItemID) (Item, bool) {
	for i := range *items {
		if (*items)[i].ID == id {
			detached := (*items)[i]
			*items = append((*items)[:i], (*items)[i+1:]...)
			return detached, true
		}
		if detached, ok := detachItem(&(*items)[i].Children, id); ok {
			return detached, true
		}
	}
	return Item{}, false
}

func isDescendant(root Item, id ItemID) bool {
	for _, child := range root.Children {
		if child.ID == id || isDescendant(child, id) {
			return true
		}
	}
	return false
}

func collectIDs(item Item, into map[ItemID]struct{}) {
	into[item.ID] = struct{}{}
	for _, child := range item.Children {
		collectIDs(child, into)
	}
}

func structuralError(format string, args ...any) {
	panic(fmt.Sprintf("queue: "+format, args...))
}
