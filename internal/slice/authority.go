// Package slice hosts the single-authority edit session for one managed
// resource. All mutations to a slice's live session are serialized through
// its mutex; subscribers receive a fan-out feed of updates that always
// begins with an init snapshot.
package slice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"queuedeck/server/internal/locks"
	"queuedeck/server/internal/queue"
	"queuedeck/server/internal/rbac"
	"queuedeck/server/internal/store"
	"queuedeck/server/internal/util"
	"queuedeck/server/internal/wire"
)

var (
	// ErrOutdatedSessionSeq means the caller's view of the session is stale.
	// Recovery is a full resync from init, never a partial merge.
	ErrOutdatedSessionSeq = errors.New("outdated session seq")
	// ErrOutdatedQueueSeq means the persisted queue moved since the session
	// was built. Commit-only; the committer's session is left untouched.
	ErrOutdatedQueueSeq = errors.New("outdated queue seq")
	ErrPermissionDenied = errors.New("permission denied")
)

// Store is the persistence collaborator.
type Store interface {
	LoadQueue(ctx context.Context, sliceID string) ([]queue.Item, int64, error)
	ReplaceQueue(ctx context.Context, sliceID string, items []queue.Item, expectedSeq int64) (int64, error)
	QueueSeq(ctx context.Context, sliceID string) (int64, error)
}

// Permissions is the RBAC collaborator, consulted before any mutating step.
type Permissions interface {
	Can(user queue.UserID, action rbac.Action) bool
}

const subscriberBuffer = 64

type subscriber struct {
	client queue.ClientID
	user   queue.UserID
	ch     chan wire.Update
}

// Authority owns the live edit session of one slice.
type Authority struct {
	ID    string
	store Store
	perms Permissions
	grace time.Duration

	mu             sync.Mutex
	session        *queue.Session
	sessionSeq     int64
	queueSeq       int64
	locks          *locks.Coordinator
	subs           map[queue.ClientID]*subscriber
	pendingRelease map[queue.ClientID]*time.Timer
}

// New loads the persisted queue and builds a fresh session over it.
func New(ctx context.Context, id string, st Store, perms Permissions, grace time.Duration) (*Authority, error) {
	items, queueSeq, err := st.LoadQueue(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load queue for slice %s: %w", id, err)
	}
	return &Authority{
		ID:             id,
		store:          st,
		perms:          perms,
		grace:          grace,
		session:        queue.NewSession(items),
		sessionSeq:     1,
		queueSeq:       queueSeq,
		locks:          locks.NewCoordinator(),
		subs:           make(map[queue.ClientID]*subscriber),
		pendingRelease: make(map[queue.ClientID]*time.Timer),
	}, nil
}

// Subscribe registers a client and returns its update feed, which starts
// with an init snapshot. The returned cancel releases the subscription;
// presence and locks are released only after the grace window elapses
// without a re-subscribe. Registering a client id twice panics: connection
// ids are unique by construction, so a duplicate is a protocol desync.
func (a *Authority) Subscribe(client queue.ClientID, user queue.UserID) (<-chan wire.Update, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.subs[client]; dup {
		panic(fmt.Sprintf("slice %s: duplicate subscription for client %s", a.ID, client))
	}
	if timer, ok := a.pendingRelease[client]; ok {
		// Reconnected within the grace window: keep presence and locks.
		timer.Stop()
		delete(a.pendingRelease, client)
	}

	sub := &subscriber{client: client, user: user, ch: make(chan wire.Update, subscriberBuffer)}
	a.subs[client] = sub
	init := a.initUpdateLocked()
	init.Client = client
	sub.ch <- init

	return sub.ch, func() { a.unsubscribe(client) }
}

func (a *Authority) unsubscribe(client queue.ClientID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sub, ok := a.subs[client]
	if !ok {
		return
	}
	delete(a.subs, client)
	close(sub.ch)
	a.scheduleReleaseLocked(sub)
}

// scheduleReleaseLocked arms the grace-window release for a departed
// subscriber. Idempotent: a client evicted from the broadcast path and later
// cancelled by its transport gets exactly one timer.
func (a *Authority) scheduleReleaseLocked(sub *subscriber) {
	if _, pending := a.pendingRelease[sub.client]; pending {
		return
	}
	a.pendingRelease[sub.client] = time.AfterFunc(a.grace, func() {
		a.releaseClient(sub.client, sub.user)
	})
}

// releaseClient runs after the disconnect grace window: locks and activity
// go away, and if this was the user's last connection their editing
// presence ends as if they had sent finish-editing.
func (a *Authority) releaseClient(client queue.ClientID, user queue.UserID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pendingRelease, client)

	if a.locks.Release(client) {
		a.broadcastLocked(wire.Update{Code: wire.UpdateLocksModified, Locks: a.locks.Snapshot()})
	}

	if _, editing := a.session.Editors[user]; !editing {
		a.broadcastLocked(a.presenceUpdateLocked())
		return
	}
	for _, sub := range a.subs {
		if sub.user == user {
			// Still connected elsewhere; keep the editing presence.
			a.broadcastLocked(a.presenceUpdateLocked())
			return
		}
	}

	op := queue.Operation{ID: util.NewID("op"), UserID: user, Code: queue.OpFinishEditing}
	a.session.Apply(op)
	if a.session.HasMutations() && len(a.session.Editors) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.commitLocked(ctx, client, user); err != nil {
			log.Printf("slice %s: commit after last editor left: %v", a.ID, err)
			a.broadcastLocked(wire.Update{Code: wire.UpdateOp, Op: &op})
			a.broadcastLocked(a.presenceUpdateLocked())
		}
		return
	}
	a.broadcastLocked(wire.Update{Code: wire.UpdateOp, Op: &op})
	a.broadcastLocked(a.presenceUpdateLocked())
}

// ProcessUpdate validates and applies one client update. Calls are
// serialized per slice; no two mutations interleave.
func (a *Authority) ProcessUpdate(ctx context.Context, client queue.ClientID, user queue.UserID, up wire.ClientUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	action := rbac.ActionQueueWrite
	if up.Code == wire.ClientReset {
		action = rbac.ActionQueueReset
	}
	if !a.perms.Can(user, action) {
		return ErrPermissionDenied
	}

	if up.SessionSeq != a.sessionSeq {
		return ErrOutdatedSessionSeq
	}

	switch up.Code {
	case wire.ClientOp:
		return a.processOpLocked(ctx, client, *up.Op, up.ExpectedIndex)
	case wire.ClientCommit:
		return a.commitLocked(ctx, client, user)
	case wire.ClientReset:
		return a.resetLocked(ctx)
	default:
		panic(fmt.Sprintf("slice %s: unknown client update code %q", a.ID, up.Code))
	}
}

func (a *Authority) processOpLocked(ctx context.Context, client queue.ClientID, op queue.Operation, expectedIndex int) error {
	if expectedIndex != len(a.session.Ops) {
		// Clients send an op only once their log cursor matches the
		// server's, so a mismatch is a protocol desync, not a race.
		panic(fmt.Sprintf("slice %s: expected index %d, op log has %d entries", a.ID, expectedIndex, len(a.session.Ops)))
	}

	a.session.Apply(op)

	if op.Code == queue.OpFinishEditing && (op.ForceSave || len(a.session.Editors) == 0) && a.session.HasMutations() {
		if err := a.commitLocked(ctx, client, op.UserID); err != nil {
			// The op stays in the log; everyone else must still see it so
			// their cursors keep matching the server's.
			a.broadcastLocked(wire.Update{Code: wire.UpdateOp, Op: &op})
			return err
		}
		return nil
	}

	a.broadcastLocked(wire.Update{Code: wire.UpdateOp, Op: &op})
	if op.Code == queue.OpStartEditing || op.Code == queue.OpFinishEditing {
		a.broadcastLocked(a.presenceUpdateLocked())
	}
	return nil
}

// commitLocked runs the commit pipeline: commit-started to everyone, then a
// transactional replace of the persisted queue guarded by the queue seq.
// Success replaces the live session and bumps both sequence ids; failure is
// surfaced to the committer only.
func (a *Authority) commitLocked(ctx context.Context, client queue.ClientID, by queue.UserID) error {
	a.broadcastLocked(wire.Update{Code: wire.UpdateCommitStarted, By: by})

	newQueueSeq, err := a.store.ReplaceQueue(ctx, a.ID, a.session.Items, a.queueSeq)
	if err != nil {
		reason := "internal"
		outcome := fmt.Errorf("replace queue for slice %s: %w", a.ID, err)
		if errors.Is(err, store.ErrSeqConflict) {
			reason = "outdated-queue-id"
			outcome = ErrOutdatedQueueSeq
		}
		a.unicastLocked(client, wire.Update{Code: wire.UpdateCommitRejected, Reason: reason})
		return outcome
	}

	oldSeq := a.sessionSeq
	a.session = queue.NewSession(a.session.Items)
	a.sessionSeq++
	a.queueSeq = newQueueSeq
	a.locks.Clear()

	a.broadcastLocked(wire.Update{
		Code:       wire.UpdateCommitCompleted,
		OldSeq:     oldSeq,
		SessionSeq: a.sessionSeq,
		By:         by,
		Items:      queue.CloneItems(a.session.Items),
	})
	return nil
}

// resetLocked discards the live session without persisting anything and
// rebuilds it from the currently persisted queue.
func (a *Authority) resetLocked(ctx context.Context) error {
	items, queueSeq, err := a.store.LoadQueue(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("reload queue for slice %s: %w", a.ID, err)
	}

	oldSeq := a.sessionSeq
	a.session = queue.NewSession(items)
	a.sessionSeq++
	a.queueSeq = queueSeq
	a.locks.Clear()

	a.broadcastLocked(wire.Update{
		Code:       wire.UpdateResetCompleted,
		OldSeq:     oldSeq,
		SessionSeq: a.sessionSeq,
		Items:      queue.CloneItems(a.session.Items),
	})
	return nil
}

// SyncExternal compares the persisted queue seq against the session's. A
// drift means some other actor rewrote the queue; the live session is
// discarded exactly like an uninitiated reset so no client keeps editing
// against a list that no longer exists.
func (a *Authority) SyncExternal(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	persistedSeq, err := a.store.QueueSeq(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("read queue seq for slice %s: %w", a.ID, err)
	}
	if persistedSeq == a.queueSeq {
		return nil
	}

	items, queueSeq, err := a.store.LoadQueue(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("reload queue for slice %s: %w", a.ID, err)
	}

	oldSeq := a.sessionSeq
	a.session = queue.NewSession(items)
	a.sessionSeq++
	a.queueSeq = queueSeq
	a.locks.Clear()

	a.broadcastLocked(wire.Update{
		Code:       wire.UpdateListUpdated,
		OldSeq:     oldSeq,
		SessionSeq: a.sessionSeq,
		Items:      queue.CloneItems(a.session.Items),
	})
	return nil
}

// Run polls for external queue writes until ctx is done.
func (a *Authority) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.SyncExternal(ctx); err != nil {
				log.Printf("slice %s: external sync: %v", a.ID, err)
			}
		}
	}
}

// SetActivity transitions a client's presence activity, acquiring the locks
// it implies all-or-nothing. A rejection leaves presence and locks alone
// and returns locks.ErrLocked.
func (a *Authority) SetActivity(client queue.ClientID, activity locks.Activity) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	changed, err := a.locks.SetActivity(a.session.Items, client, activity)
	if err != nil {
		return err
	}
	if changed {
		a.broadcastLocked(wire.Update{Code: wire.UpdateLocksModified, Locks: a.locks.Snapshot()})
	}
	a.broadcastLocked(a.presenceUpdateLocked())
	return nil
}

// SessionSeq returns the current session version.
func (a *Authority) SessionSeq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionSeq
}

// QueueSeq returns the session's view of the persisted queue version.
func (a *Authority) QueueSeq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queueSeq
}

// SessionCopy returns a deep copy of the live session.
func (a *Authority) SessionCopy() *queue.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.Clone()
}

func (a *Authority) initUpdateLocked() wire.Update {
	return wire.Update{
		Code:       wire.UpdateInit,
		Items:      queue.CloneItems(a.session.Items),
		SessionSeq: a.sessionSeq,
		OpCount:    len(a.session.Ops),
		Editors:    a.editorsLocked(),
		Locks:      a.locks.Snapshot(),
		Activities: a.locks.Activities(),
	}
}

func (a *Authority) presenceUpdateLocked() wire.Update {
	return wire.Update{
		Code:       wire.UpdatePresence,
		Editors:    a.editorsLocked(),
		Activities: a.locks.Activities(),
	}
}

func (a *Authority) editorsLocked() []queue.UserID {
	editors := make([]queue.UserID, 0, len(a.session.Editors))
	for user := range a.session.Editors {
		editors = append(editors, user)
	}
	sort.Slice(editors, func(i, j int) bool { return editors[i] < editors[j] })
	return editors
}

func (a *Authority) broadcastLocked(update wire.Update) {
	for _, sub := range a.subs {
		select {
		case sub.ch <- update:
		default:
			a.evictLocked(sub)
		}
	}
}

func (a *Authority) unicastLocked(client queue.ClientID, update wire.Update) {
	sub, ok := a.subs[client]
	if !ok {
		return
	}
	select {
	case sub.ch <- update:
	default:
		a.evictLocked(sub)
	}
}

// evictLocked drops a subscriber that cannot keep up; it will resync from
// init on reconnect. The transport may never call its cancel after this, so
// the grace-window lock release is armed here as well.
func (a *Authority) evictLocked(sub *subscriber) {
	log.Printf("slice %s: dropping slow subscriber %s", a.ID, sub.client)
	delete(a.subs, sub.client)
	close(sub.ch)
	a.scheduleReleaseLocked(sub)
}
