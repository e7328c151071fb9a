package models

import "time"

// Record is the stored view of a bibliographic record and its claim
// arrays. Authors is the full author list the arrays are aligned to.
type Record struct {
	ID        int64         `json:"id"`
	Bibcode   string        `json:"bibcode"`
	Claims    RecordClaims  `json:"claims"`
	Authors   StringList    `json:"authors"`
	Status    *RecordStatus `json:"status,omitempty"`
	Created   time.Time     `json:"created"`
	Updated   time.Time     `json:"updated"`
	Processed *time.Time    `json:"processed,omitempty"`
}

// RecordStatus carries runtime flags attached while a record moves
// through matching. Never persisted.
type RecordStatus struct {
	Blacklisted []string `json:"blacklisted,omitempty"`
}

// KeyValue is one row of the storage table. The pipeline keeps its
// checkpoints here: last.check, last.reindex, last.repush,
// last.refetch.
type KeyValue struct {
	Key     string    `json:"key"`
	Value   string    `json:"value"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Checkpoint keys used by the pipeline and the maintenance commands.
const (
	KeyLastCheck   = "last.check"
	KeyLastReindex = "last.reindex"
	KeyLastRepush  = "last.repush"
	KeyLastRefetch = "last.refetch"
)

// EpochSentinel is the checkpoint value meaning "never ran". Its odd
// date makes accidental resets easy to spot in the storage table.
const EpochSentinel = "1974-11-09T22:56:52.518001Z"
