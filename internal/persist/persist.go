// Package persist defines the durable snapshot contract shared by every
// execution context of the same user: a single well-known key holding the
// serialized store state, plus change notification for writes that
// originated elsewhere. Implementations absorb their own faults; the
// in-memory state of the caller stays authoritative regardless.
package persist

import (
	"encoding/json"

	"github.com/provana/cascata/internal/api"
)

// Controls are the user-chosen cascade parameters. They are mutated only by
// explicit user action or cross-context rehydration, never by stream or
// poll activity.
type Controls struct {
	ProductID           string  `json:"productId"`
	Quantity            int     `json:"quantity"`
	BudgetEUR           float64 `json:"budgetEur"`
	DesiredDeliveryDate string  `json:"desiredDeliveryDate"`
}

// Snapshot is the full serializable projection of store state.
type Snapshot struct {
	Progress api.CascadeProgress `json:"progress"`
	Report   api.Report          `json:"report,omitempty"`
	Messages []api.LiveEvent     `json:"messages"`
	Controls Controls            `json:"controls"`
}

// Substrate is a durable, synchronously-readable store for one Snapshot.
//
// Write and Read are best-effort: a failed write is logged and dropped, a
// missing or malformed stored value reads as nil. Watch delivers snapshots
// written by other execution contexts only; a context never sees an echo of
// its own writes.
type Substrate interface {
	Write(snap *Snapshot)
	Read() *Snapshot
	Watch(fn func(*Snapshot)) (stop func())
	Close() error
}

const schemaVersion = 1

type envelope struct {
	V int `json:"v"`
	Snapshot
}

// Encode serializes a snapshot with its schema version.
func Encode(snap *Snapshot) ([]byte, error) {
	return json.Marshal(envelope{V: schemaVersion, Snapshot: *snap})
}

// Decode deserializes a stored snapshot. Malformed payloads and unknown
// schema versions yield nil rather than an error; a context that cannot
// read its substrate simply starts from defaults.
func Decode(data []byte) *Snapshot {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil
	}
	if env.V != schemaVersion {
		return nil
	}
	snap := env.Snapshot
	return &snap
}
