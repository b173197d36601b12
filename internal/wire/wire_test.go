package wire

import (
	"encoding/json"
	"testing"

	"queuedeck/server/internal/locks"
	"queuedeck/server/internal/queue"
)

func TestClientUpdateRoundTrip(t *testing.T) {
	in := ClientUpdate{
		Code: ClientOp,
		Op: &queue.Operation{
			ID:     "op-1",
			UserID: "u1",
			Code:   queue.OpMove,
			ItemID: "item-3",
		},
		ExpectedIndex: 7,
		SessionSeq:    12,
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out ClientUpdate
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Op == nil || out.Op.ID != "op-1" || out.Op.Code != queue.OpMove {
		t.Fatalf("op lost in transit: %+v", out.Op)
	}
	if out.ExpectedIndex != 7 || out.SessionSeq != 12 {
		t.Fatalf("sequence ids lost: %+v", out)
	}
}

func TestInitUpdateKeepsMapStructure(t *testing.T) {
	in := Update{
		Code:       UpdateInit,
		Items:      []queue.Item{{ID: "a", Payload: json.RawMessage(`{"layer":"gorge"}`)}},
		SessionSeq: 5,
		OpCount:    3,
		Locks:      map[queue.ItemID]queue.ClientID{"a": "client-1"},
		Activities: map[queue.ClientID]locks.Activity{
			"client-1": {Kind: locks.ActivityEditingItem, ItemID: "a"},
		},
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Update
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Locks["a"] != "client-1" {
		t.Fatalf("locks map lost: %+v", out.Locks)
	}
	if got := out.Activities["client-1"]; got.Kind != locks.ActivityEditingItem || got.ItemID != "a" {
		t.Fatalf("activities map lost: %+v", out.Activities)
	}
	if out.SessionSeq != 5 || out.OpCount != 3 {
		t.Fatalf("sequence ids lost: %+v", out)
	}
}
