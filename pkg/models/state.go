package models

import "time"

// WorkflowState is a persisted key scoped to (workflow, key, namespace)
type WorkflowState struct {
	WorkflowID    string      `json:"workflow_id"`
	Key           string      `json:"state_key"`
	Namespace     string      `json:"namespace,omitempty"`
	Value         interface{} `json:"state_value"`
	Version       int64       `json:"state_version"`
	CreatedAt     time.Time   `json:"created_at"`
	LastUpdatedAt time.Time   `json:"last_updated_at"`
}

// StateEntry is the result of a state read
type StateEntry struct {
	// Value is the stored value, or the caller's default when Found is false
	Value interface{} `json:"value"`

	// Version is 0 when the key does not exist
	Version int64 `json:"version"`

	// Found reports whether the key exists
	Found bool `json:"found"`

	// LastUpdatedAt is zero when the key does not exist
	LastUpdatedAt time.Time `json:"last_updated_at,omitempty"`
}
