// Package client implements the client-side reconciliation store: ops apply
// optimistically and the speculative state converges to the server's once
// echoes arrive on the update feed.
package client

import (
	"fmt"
	"sync"

	"queuedeck/server/internal/locks"
	"queuedeck/server/internal/queue"
	"queuedeck/server/internal/util"
	"queuedeck/server/internal/wire"
)

// SendFunc delivers a ClientUpdate to the slice authority.
type SendFunc func(wire.ClientUpdate) error

// Store tracks a speculative session alongside the last server-confirmed
// one. Dispatch never blocks on the network: an op is applied locally,
// queued, and sent once every earlier op has been confirmed (at most one op
// is in flight at a time, which keeps head-of-queue echo matching sound).
type Store struct {
	mu   sync.Mutex
	user queue.UserID
	send SendFunc

	session    *queue.Session // speculative
	synced     *queue.Session // last confirmed
	sessionSeq int64
	// confirmed is the server op log length this client has confirmed; it
	// is the expectedIndex for the next outgoing op.
	confirmed int

	outgoing []queue.Operation // FIFO; head is the op in flight
	incoming []queue.Operation // foreign ops buffered while an echo is due

	itemLocks  map[queue.ItemID]queue.ClientID
	editors    []queue.UserID
	activities map[queue.ClientID]locks.Activity

	committing   bool
	rejectReason string
}

func New(user queue.UserID, send SendFunc) *Store {
	return &Store{
		user:    user,
		send:    send,
		session: queue.NewSession(nil),
		synced:  queue.NewSession(nil),
	}
}

// Dispatch stamps, optimistically applies and queues one operation. The
// returned op id identifies the echo. The caller is never blocked on the
// round trip.
func (s *Store) Dispatch(op queue.Operation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op.ID = util.NewOpID()
	op.UserID = s.user

	s.session.Apply(op)
	s.outgoing = append(s.outgoing, op)
	if len(s.outgoing) == 1 {
		if err := s.sendHeadLocked(); err != nil {
			return "", err
		}
	}
	return op.ID, nil
}

// Commit asks the authority to persist the current session.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send(wire.ClientUpdate{Code: wire.ClientCommit, SessionSeq: s.sessionSeq})
}

// Reset asks the authority to discard the session and reload the persisted
// queue.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send(wire.ClientUpdate{Code: wire.ClientReset, SessionSeq: s.sessionSeq})
}

func (s *Store) sendHeadLocked() error {
	op := s.outgoing[0]
	return s.send(wire.ClientUpdate{
		Code:          wire.ClientOp,
		Op:            &op,
		ExpectedIndex: s.confirmed,
		SessionSeq:    s.sessionSeq,
	})
}

// HandleUpdate consumes one server-pushed update. Updates representing a
// wholesale session replacement resync everything; op updates reconcile.
func (s *Store) HandleUpdate(update wire.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch update.Code {
	case wire.UpdateInit, wire.UpdateListUpdated, wire.UpdateCommitCompleted, wire.UpdateResetCompleted:
		s.resyncLocked(update)
		return nil
	case wire.UpdateOp:
		if update.Op == nil {
			return fmt.Errorf("op update without op")
		}
		s.writeIncomingLocked(*update.Op)
		return nil
	case wire.UpdateLocksModified:
		s.itemLocks = update.Locks
		return nil
	case wire.UpdatePresence:
		s.editors = update.Editors
		s.activities = update.Activities
		return nil
	case wire.UpdateCommitStarted:
		s.committing = true
		s.rejectReason = ""
		return nil
	case wire.UpdateCommitRejected:
		s.committing = false
		s.rejectReason = update.Reason
		return nil
	default:
		return fmt.Errorf("unknown update code %q", update.Code)
	}
}

// resyncLocked unconditionally adopts the server's state and drops both
// pending queues; whatever was in flight is superseded.
func (s *Store) resyncLocked(update wire.Update) {
	s.synced = queue.NewSession(update.Items)
	for _, editor := range update.Editors {
		s.synced.Editors[editor] = struct{}{}
	}
	s.session = s.synced.Clone()
	s.sessionSeq = update.SessionSeq
	s.confirmed = update.OpCount
	s.outgoing = nil
	s.incoming = nil
	s.itemLocks = update.Locks
	s.editors = update.Editors
	s.activities = update.Activities
	s.committing = false
}

func (s *Store) writeIncomingLocked(op queue.Operation) {
	if len(s.outgoing) > 0 {
		if op.ID == s.outgoing[0].ID {
			s.reconcileEchoLocked(op)
			return
		}
		// A foreign op while our own is still in flight: applying it now
		// would desynchronize the speculative view once our op lands.
		s.incoming = append(s.incoming, op)
		return
	}
	s.synced.Apply(op)
	s.session.Apply(op)
	s.confirmed++
}

// reconcileEchoLocked folds the buffered foreign ops and our own echo into
// the confirmed state, in server delivery order, then rebuilds the
// speculative view from it plus any ops still queued locally.
func (s *Store) reconcileEchoLocked(echo queue.Operation) {
	next := s.synced.Clone()
	next.Apply(s.incoming...)
	next.Apply(echo)
	s.confirmed += len(s.incoming) + 1
	s.synced = next
	s.incoming = nil
	s.outgoing = s.outgoing[1:]

	s.session = s.synced.Clone()
	s.session.Apply(s.outgoing...)

	if len(s.outgoing) > 0 {
		// Next queued op goes on the wire now that its predecessor is
		// confirmed. On a send failure it stays queued; the next resync
		// supersedes it.
		_ = s.sendHeadLocked()
	}
}

// Items returns the speculative list.
func (s *Store) Items() []queue.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queue.CloneItems(s.session.Items)
}

// SyncedItems returns the last server-confirmed list.
func (s *Store) SyncedItems() []queue.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queue.CloneItems(s.synced.Items)
}

// SyncedSession returns a copy of the confirmed session.
func (s *Store) SyncedSession() *queue.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced.Clone()
}

func (s *Store) SessionSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionSeq
}

// PendingOps reports how many dispatched ops are still unconfirmed.
func (s *Store) PendingOps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outgoing)
}

func (s *Store) Locks() map[queue.ItemID]queue.ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[queue.ItemID]queue.ClientID, len(s.itemLocks))
	for id, holder := range s.itemLocks {
		out[id] = holder
	}
	return out
}

func (s *Store) Editors() []queue.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]queue.UserID(nil), s.editors...)
}

// Committing reports whether a commit-started was seen without a terminal
// commit update yet.
func (s *Store) Committing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committing
}

// RejectReason returns the reason of the last commit-rejected, if any.
func (s *Store) RejectReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejectReason
}
