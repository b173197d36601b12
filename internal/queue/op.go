package queue

import "encoding/json"

// OpCode discriminates the closed set of operation variants.
type OpCode string

const (
	OpAdd           OpCode = "add"
	OpRemove        OpCode = "remove"
	OpMove          OpCode = "move"
	OpEdit          OpCode = "edit"
	OpStartEditing  OpCode = "start-editing"
	OpFinishEditing OpCode = "finish-editing"
)

// Operation is a single atomic mutation request. ID is a client-unique token;
// re-applying an operation whose ID is already in the log is a no-op.
type Operation struct {
	ID     string `json:"id"`
	UserID UserID `json:"userId"`
	Code   OpCode `json:"code"`

	// add
	Index int    `json:"index,omitempty"`
	Items []Item `json:"items,omitempty"`
	// remove
	ItemIDs []ItemID `json:"itemIds,omitempty"`
	// move and edit
	ItemID ItemID `json:"itemId,omitempty"`
	// move
	TargetIndex  int    `json:"targetIndex,omitempty"`
	TargetParent ItemID `json:"targetParent,omitempty"`
	// edit
	Patch json.RawMessage `json:"patch,omitempty"`
	// finish-editing
	ForceSave bool `json:"forceSave,omitempty"`
}

// Mutates reports whether the operation changes the list itself, as opposed
// to the editor set.
func (op Operation) Mutates() bool {
	switch op.Code {
	case OpAdd, OpRemove, OpMove, OpEdit:
		return true
	case OpStartEditing, OpFinishEditing:
		return false
	default:
		structuralError("unknown op code %q", op.Code)
		return false
	}
}

// Apply runs each operation against the session in order, skipping any whose
// ID is already in the log. Structural violations (unknown item ids, a move
// into the item's own subtree, an out-of-range move target) panic: callers
// are expected to pre-validate against the current list, so a violation is a
// protocol desync rather than a legitimate race.
func (s *Session) Apply(ops ...Operation) {
	for _, op := range ops {
		s.applyOne(op)
	}
}

func (s *Session) applyOne(op Operation) {
	if _, dup := s.seen[op.ID]; dup {
		return
	}

	switch op.Code {
	case OpAdd:
		s.applyAdd(op)
	case OpRemove:
		s.applyRemove(op)
	case OpMove:
		s.applyMove(op)
	case OpEdit:
		s.applyEdit(op)
	case OpStartEditing:
		s.Editors[op.UserID] = struct{}{}
	case OpFinishEditing:
		delete(s.Editors, op.UserID)
	default:
		structuralError("unknown op code %q", op.Code)
	}

	s.Ops = append(s.Ops, op)
	s.seen[op.ID] = struct{}{}
}

func (s *Session) applyAdd(op Operation) {
	index := op.Index
	if index < 0 {
		index = 0
	}
	if index > len(s.Items) {
		index = len(s.Items)
	}
	inserted := cloneItems(op.Items)
	s.Items = append(s.Items[:index], append(inserted, s.Items[index:]...)...)
	for _, item := range inserted {
		ids := make(map[ItemID]struct{})
		collectIDs(item, ids)
		for id := range ids {
			s.Diff.Added[id] = struct{}{}
		}
	}
}

func (s *Session) applyRemove(op Operation) {
	for _, id := range op.ItemIDs {
		detached, ok := detachItem(&s.Items, id)
		if !ok {
			structuralError("remove: item %q not in session", id)
		}
		ids := make(map[ItemID]struct{})
		collectIDs(detached, ids)
		for removed := range ids {
			if _, added := s.Diff.Added[removed]; added {
				// Added and removed within the same session cancels out.
				delete(s.Diff.Added, removed)
				continue
			}
			s.Diff.Removed[removed] = struct{}{}
		}
	}
}

func (s *Session) applyMove(op Operation) {
	subject := s.Find(op.ItemID)
	if subject == nil {
		structuralError("move: item %q not in session", op.ItemID)
	}
	if op.TargetParent != "" {
		if op.TargetParent == op.ItemID || isDescendant(*subject, op.TargetParent) {
			structuralError("move: %q into its own subtree %q", op.ItemID, op.TargetParent)
		}
		if s.Find(op.TargetParent) == nil {
			structuralError("move: target parent %q not in session", op.TargetParent)
		}
	}

	// Validate the index against the sibling count as it will be once the
	// item is detached, before touching the list: a structural panic must
	// leave the session exactly as it was.
	target := s.Items
	if op.TargetParent != "" {
		target = s.Find(op.TargetParent).Children
	}
	limit := len(target)
	for _, sibling := range target {
		if sibling.ID == op.ItemID {
			limit--
			break
		}
	}
	if op.TargetIndex < 0 || op.TargetIndex > limit {
		structuralError("move: target index %d out of range [0,%d]", op.TargetIndex, limit)
	}

	detached, _ := detachItem(&s.Items, op.ItemID)
	siblings := &s.Items
	if op.TargetParent != "" {
		// Re-resolve: the detach reslices, invalidating earlier pointers.
		siblings = &s.Find(op.TargetParent).Children
	}
	*siblings = append((*siblings)[:op.TargetIndex], append([]Item{detached}, (*siblings)[op.TargetIndex:]...)...)
	s.Diff.Moved[op.ItemID] = struct{}{}
}

func (s *Session) applyEdit(op Operation) {
	subject := s.Find(op.ItemID)
	if subject == nil {
		structuralError("edit: item %q not in session", op.ItemID)
	}
	subject.Payload = mergePatch(subject.Payload, op.Patch)
	s.Diff.Edited[op.ItemID] = struct{}{}
}

// mergePatch applies patch to payload. When both sides are JSON objects the
// top-level keys merge, with explicit nulls deleting; anything else replaces
// the payload wholesale. The values themselves stay opaque.
func mergePatch(payload, patch json.RawMessage) json.RawMessage {
	var base map[string]json.RawMessage
	if err := json.Unmarshal(payload, &base); err != nil || base == nil {
		return append(json.RawMessage(nil), patch...)
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(patch, &overlay); err != nil || overlay == nil {
		return append(json.RawMessage(nil), patch...)
	}
	for key, value := range overlay {
		if string(value) == "null" {
			delete(base, key)
			continue
		}
		base[key] = value
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return append(json.RawMessage(nil), patch...)
	}
	return merged
}
