// Package record defines the syncable record envelope shared by the
// local store, the push/pull stages, and the remote document client.
package record

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// SyncState marks whether a local row has been confirmed written to the
// remote structured store.
type SyncState string

const (
	// Dirty means the row exists locally but is not confirmed remote.
	// Dirty rows are never deleted by a full resync.
	Dirty SyncState = "dirty"

	// Synced means the row matches (or originates from) the last known
	// remote state.
	Synced SyncState = "synced"
)

// EntityType names one syncable table.
type EntityType string

const (
	Worker      EntityType = "worker"
	Project     EntityType = "project"
	TimeRecord  EntityType = "time_record"
	Task        EntityType = "task"
	DailyReport EntityType = "daily_report"
	Tool        EntityType = "tool"
	FieldTable  EntityType = "field_table"
)

// Types returns all syncable entity types, in stable order.
func Types() []EntityType {
	return []EntityType{
		Worker, Project, TimeRecord, Task,
		DailyReport, Tool, FieldTable,
	}
}

// Valid reports whether t names a known entity type.
func (t EntityType) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}

	return false
}

// Record is the envelope around one syncable row. Data holds the domain
// payload (the fields shared with the remote store); the envelope fields
// are local-only except CanonicalID and UpdatedAt.
type Record struct {
	// LocalID is assigned by the local store on insert, stable for the
	// life of the row, never reused. Zero means "not yet stored".
	LocalID uint64 `json:"local_id"`

	// CanonicalID is the identifier shared with the remote store.
	// Empty until the first successful push.
	CanonicalID string `json:"canonical_id,omitempty"`

	// State is the sync discriminator. A row with no CanonicalID is
	// always Dirty.
	State SyncState `json:"state"`

	// UpdatedAt is the server-assigned write timestamp in Unix
	// milliseconds. Zero until the row has round-tripped through the
	// remote store. The sole conflict-resolution signal.
	UpdatedAt int64 `json:"updated_at"`

	// Data is the domain payload, opaque to the sync engine.
	Data json.RawMessage `json:"data"`
}

// DeriveCanonicalID computes the deterministic canonical identifier for
// entity types that have a natural key, so repeated pushes of the same
// row stay idempotent. Returns "" when the type has no derivation or the
// payload lacks the key fields, in which case the push stage allocates a
// fresh identifier instead.
func DeriveCanonicalID(t EntityType, data []byte) string {
	switch t {
	case FieldTable:
		// Field tables are keyed by their parent project plus table
		// name, so two devices creating "materials" under one project
		// converge on the same remote document.
		project := gjson.GetBytes(data, "project_id").Str
		name := gjson.GetBytes(data, "name").Str
		if project == "" || name == "" {
			return ""
		}

		return project + "_" + name

	case Worker:
		// Operator-supplied employee numbers double as canonical IDs
		// when present.
		return gjson.GetBytes(data, "employee_number").Str

	default:
		return ""
	}
}
