// Package wire defines the messages exchanged between clients and a slice
// authority. Both directions are closed tagged unions discriminated by a
// code field; every message round-trips through JSON without losing op ids,
// sequence ids or map structure.
package wire

import (
	"queuedeck/server/internal/locks"
	"queuedeck/server/internal/queue"
)

// ClientUpdateCode discriminates client-to-authority requests.
type ClientUpdateCode string

const (
	ClientOp     ClientUpdateCode = "op"
	ClientCommit ClientUpdateCode = "commit"
	ClientReset  ClientUpdateCode = "reset"
)

// ClientUpdate is one versioned request against the live session. SessionSeq
// is the client's view of the session version; a mismatch invalidates the
// whole request rather than being merged.
type ClientUpdate struct {
	Code       ClientUpdateCode `json:"code"`
	Op         *queue.Operation `json:"op,omitempty"`
	// ExpectedIndex is the length the client believes the server op log has.
	ExpectedIndex int   `json:"expectedIndex"`
	SessionSeq    int64 `json:"sessionSeq"`
}

// UpdateCode discriminates authority-to-client updates.
type UpdateCode string

const (
	UpdateInit            UpdateCode = "init"
	UpdateOp              UpdateCode = "op"
	UpdatePresence        UpdateCode = "update-presence"
	UpdateListUpdated     UpdateCode = "list-updated"
	UpdateCommitStarted   UpdateCode = "commit-started"
	UpdateCommitCompleted UpdateCode = "commit-completed"
	UpdateCommitRejected  UpdateCode = "commit-rejected"
	UpdateResetCompleted  UpdateCode = "reset-completed"
	UpdateLocksModified   UpdateCode = "locks-modified"
)

// Update is one authority-to-client message. Updates that replace the whole
// session (init, list-updated, commit-completed, reset-completed) carry the
// new list and sequence ids; incremental updates carry only their delta.
type Update struct {
	Code UpdateCode `json:"code"`

	// init: the connection id this subscription is registered under.
	// Presenting it again on reconnect reclaims presence and locks within
	// the grace window.
	Client queue.ClientID `json:"clientId,omitempty"`

	// init, list-updated, commit-completed, reset-completed
	Items      []queue.Item `json:"items,omitempty"`
	SessionSeq int64        `json:"sessionSeq,omitempty"`
	OldSeq     int64        `json:"oldSeq,omitempty"`
	// OpCount is the server op log length at init, the client's starting
	// expectedIndex cursor.
	OpCount int `json:"opCount,omitempty"`

	// op
	Op *queue.Operation `json:"op,omitempty"`

	// update-presence
	Editors    []queue.UserID                    `json:"editors,omitempty"`
	Activities map[queue.ClientID]locks.Activity `json:"activities,omitempty"`

	// init, locks-modified
	Locks map[queue.ItemID]queue.ClientID `json:"locks,omitempty"`

	// commit-started, commit-completed
	By queue.UserID `json:"by,omitempty"`

	// commit-rejected
	Reason string `json:"reason,omitempty"`
}

// MessageKind discriminates socket envelopes in both directions.
type MessageKind string

const (
	KindUpdate   MessageKind = "update"
	KindActivity MessageKind = "activity"
	KindAck      MessageKind = "ack"
	KindError    MessageKind = "error"
)

// ClientMessage is the inbound socket envelope. ID is echoed on the ack or
// error the request produces.
type ClientMessage struct {
	ID       string          `json:"id"`
	Kind     MessageKind     `json:"kind"`
	Update   *ClientUpdate   `json:"update,omitempty"`
	Activity *locks.Activity `json:"activity,omitempty"`
}

// ServerMessage is the outbound socket envelope: either the stream of
// updates or the ack/error for a specific client message.
type ServerMessage struct {
	Kind   MessageKind `json:"kind"`
	ID     string      `json:"id,omitempty"`
	Code   string      `json:"code,omitempty"`
	Detail string      `json:"detail,omitempty"`
	Update *Update     `json:"update,omitempty"`
}
