package ir

// NOTE: store-layer types, not part of the wire contract.

// JournalEntry is one committed transform as recorded by the journal.
// Seq is the journal's logical clock; wall-clock time is never stored.
type JournalEntry struct {
	Record  TransformRecord `json:"record"`
	TreeURL string          `json:"tree_url,omitempty"`
	State   TransformState  `json:"state"`
	MimicOf string          `json:"mimic_of,omitempty"`
	Seq     int64           `json:"seq"`
}

// StateCount summarizes journal entries per commit state.
type StateCount struct {
	State TransformState `json:"state"`
	Count int            `json:"count"`
}
