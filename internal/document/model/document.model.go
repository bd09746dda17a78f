package model

import "time"

// DocumentSnapshot is the persisted form of a document: the linear text and
// version materialized by the session's replicated store. The replicated
// structure itself never reaches storage.
type DocumentSnapshot struct {
	ID             string     `json:"id"`
	Content        string     `json:"content"`
	Version        int64      `json:"version"`
	Checksum       string     `json:"checksum"`
	LastModifiedBy string     `json:"last_modified_by"`
	LastModifiedAt time.Time  `json:"last_modified_at"`
	LockedBy       *string    `json:"locked_by,omitempty"`
	LockedAt       *time.Time `json:"locked_at,omitempty"`
}
