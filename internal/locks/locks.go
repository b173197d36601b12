// Package locks derives exclusive item locks from client presence.
//
// Locks are not part of the operation log: they follow each client's current
// activity, and a disconnect (after its grace window) releases them wholesale.
package locks

import (
	"errors"

	"queuedeck/server/internal/queue"
)

var ErrLocked = errors.New("item locked by another client")

type ActivityKind string

const (
	ActivityIdle            ActivityKind = "idle"
	ActivityEditingItem     ActivityKind = "editing-item"
	ActivityConfiguringVote ActivityKind = "configuring-vote"
)

// Activity is a client's current high-level editing intent.
type Activity struct {
	Kind   ActivityKind `json:"kind"`
	ItemID queue.ItemID `json:"itemId,omitempty"`
}

// ItemsToLock returns the item ids an activity must hold exclusively.
// Configuring a vote locks the vote item and all of its choice children.
// An item that is no longer in the list locks nothing: it may have been
// removed between the client picking it and the activity arriving, and a
// lock on an id the list does not contain would never be released by any
// list operation.
func ItemsToLock(items []queue.Item, activity Activity) []queue.ItemID {
	switch activity.Kind {
	case ActivityIdle:
		return nil
	case ActivityEditingItem:
		if find(items, activity.ItemID) == nil {
			return nil
		}
		return []queue.ItemID{activity.ItemID}
	case ActivityConfiguringVote:
		subject := find(items, activity.ItemID)
		if subject == nil {
			return nil
		}
		ids := []queue.ItemID{activity.ItemID}
		for _, child := range subject.Children {
			ids = append(ids, child.ID)
		}
		return ids
	default:
		return nil
	}
}

func find(items []queue.Item, id queue.ItemID) *queue.Item {
	for i := range items {
		if items[i].ID == id {
			return &items[i]
		}
		if found := find(items[i].Children, id); found != nil {
			return found
		}
	}
	return nil
}

// Coordinator tracks held locks and per-client activities. It carries no
// mutex of its own: the owning slice authority serializes access.
type Coordinator struct {
	held       map[queue.ItemID]queue.ClientID
	activities map[queue.ClientID]Activity
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		held:       make(map[queue.ItemID]queue.ClientID),
		activities: make(map[queue.ClientID]Activity),
	}
}

// SetActivity transitions a client to a new activity. The transition is
// all-or-nothing: if any required item is held by a different client,
// nothing changes and ErrLocked is returned — including the requester's
// previously held locks and recorded activity. The returned flag reports
// whether the held-lock set changed.
func (c *Coordinator) SetActivity(items []queue.Item, client queue.ClientID, activity Activity) (bool, error) {
	acquire := ItemsToLock(items, activity)
	for _, id := range acquire {
		if holder, ok := c.held[id]; ok && holder != client {
			return false, ErrLocked
		}
	}

	changed := false
	for id, holder := range c.held {
		if holder == client {
			delete(c.held, id)
			changed = true
		}
	}
	for _, id := range acquire {
		c.held[id] = client
		changed = true
	}
	if activity.Kind == ActivityIdle || activity.Kind == "" {
		delete(c.activities, client)
	} else {
		c.activities[client] = activity
	}
	return changed, nil
}

// Release drops every lock and the activity of the given client, reporting
// whether any lock was actually held.
func (c *Coordinator) Release(client queue.ClientID) bool {
	changed := false
	for id, holder := range c.held {
		if holder == client {
			delete(c.held, id)
			changed = true
		}
	}
	delete(c.activities, client)
	return changed
}

// Clear drops all locks and activities, used on session replacement.
func (c *Coordinator) Clear() {
	c.held = make(map[queue.ItemID]queue.ClientID)
	c.activities = make(map[queue.ClientID]Activity)
}

// Snapshot copies the currently held locks.
func (c *Coordinator) Snapshot() map[queue.ItemID]queue.ClientID {
	out := make(map[queue.ItemID]queue.ClientID, len(c.held))
	for id, holder := range c.held {
		out[id] = holder
	}
	return out
}

// Activities copies the per-client activity map.
func (c *Coordinator) Activities() map[queue.ClientID]Activity {
	out := make(map[queue.ClientID]Activity, len(c.activities))
	for client, activity := range c.activities {
		out[client] = activity
	}
	return out
}
