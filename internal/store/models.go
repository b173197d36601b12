package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Role         string
	PasswordHash string
}

// Slice is one managed external resource: a game server whose upcoming
// queue this process edits. QueueSeq is the optimistic-concurrency version
// of the persisted queue; any writer bumps it on replace.
type Slice struct {
	ID        string
	Name      string
	QueueSeq  int64
	UpdatedAt time.Time
}
