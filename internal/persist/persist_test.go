package persist

import (
	"testing"

	"github.com/provana/cascata/internal/api"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	snap := &Snapshot{
		Progress: api.CascadeProgress{Running: true, Progress: 30},
		Report:   nil,
		Messages: []api.LiveEvent{
			{MessageID: "m1", Type: "discovery", Summary: "searching"},
			{MessageID: "m2", Type: "quote", Summary: "received"},
		},
		Controls: Controls{ProductID: "brk-cc-01", Quantity: 2, BudgetEUR: 50000},
	}

	data, err := Encode(snap)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got := Decode(data)
	if got == nil {
		t.Fatal("Decode() returned nil for valid payload")
	}

	if got.Progress != snap.Progress {
		t.Errorf("Progress = %+v, want %+v", got.Progress, snap.Progress)
	}
	if len(got.Messages) != 2 || got.Messages[0].MessageID != "m1" || got.Messages[1].MessageID != "m2" {
		t.Errorf("Messages = %+v", got.Messages)
	}
	if got.Controls != snap.Controls {
		t.Errorf("Controls = %+v, want %+v", got.Controls, snap.Controls)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		data string
	}{
		{"garbage", `not json at all`},
		{"empty", ``},
		{"unknown schema", `{"v": 99, "progress": {"running": false, "progress": 0}}`},
		{"missing version", `{"progress": {"running": false, "progress": 0}}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Decode([]byte(tc.data)); got != nil {
				t.Errorf("Decode(%q) = %+v, want nil", tc.data, got)
			}
		})
	}
}
