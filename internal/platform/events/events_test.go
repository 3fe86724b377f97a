package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	r.PublishPhaseChanged(ctx, PhaseChanged{EncounterID: "a", From: "X", To: "Y"})
	r.PublishPhaseChanged(ctx, PhaseChanged{EncounterID: "b", From: "Y", To: "Z"})

	got := r.Events()
	if len(got) != 2 || got[1].EncounterID != "b" {
		t.Fatalf("unexpected events: %+v", got)
	}
	got[0].EncounterID = "mutated"
	if r.Events()[0].EncounterID != "a" {
		t.Error("Events must return a copy")
	}
}

func TestPhaseChangedWireFormat(t *testing.T) {
	ev := PhaseChanged{
		EncounterID: "enc-1",
		From:        "AWAITING_EXTRACTION",
		To:          "IN_EXTRACTION",
		ResourceID:  "box-2",
		At:          time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	json.Unmarshal(data, &m)
	for _, k := range []string{"encounter_id", "from", "to", "resource_id", "at"} {
		if _, ok := m[k]; !ok {
			t.Errorf("missing key %q in %s", k, data)
		}
	}
	if _, ok := m["reason"]; ok {
		t.Error("empty reason should be omitted")
	}
}

func TestNop(t *testing.T) {
	if err := (Nop{}).PublishPhaseChanged(context.Background(), PhaseChanged{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

type failing struct{ err error }

func (f failing) PublishPhaseChanged(context.Context, PhaseChanged) error { return f.err }

func TestFanout(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	boom := errors.New("broker down")
	f := Fanout{a, failing{boom}, b}

	err := f.PublishPhaseChanged(context.Background(), PhaseChanged{EncounterID: "e1", To: "IN_EXTRACTION"})
	if !errors.Is(err, boom) {
		t.Errorf("expected joined broker error, got %v", err)
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Error("every publisher must receive the event despite a failure")
	}
	if err := (Fanout{}).PublishPhaseChanged(context.Background(), PhaseChanged{}); err != nil {
		t.Errorf("empty fanout: %v", err)
	}
}
