// Package audit provides the append-only, hash-chained audit log.
// Entries form one chain per tenant: each hash is an HMAC over the
// previous hash and the canonical JSON of the record, so any mutation
// of a stored entry breaks every hash after it.
package audit

import (
	"time"
)

// Entry is one audit record.
type Entry struct {
	ID           string         `json:"id"`
	TS           time.Time      `json:"ts"`
	ActorType    string         `json:"actor_type"` // user, apikey, system
	ActorID      string         `json:"actor_id"`
	TenantID     string         `json:"tenant_id,omitempty"` // "" = the null chain
	Action       string         `json:"action"`              // e.g. "run.create", "tools.invoke"
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	PrevHash     string         `json:"prev_hash,omitempty"`
	Hash         string         `json:"hash"`
}

// record is the hashed portion of an entry. PrevHash enters the MAC as
// the chain prefix, not as part of the canonical record.
type record struct {
	ActorType    string         `json:"actor_type"`
	ActorID      string         `json:"actor_id"`
	TenantID     string         `json:"tenant_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Payload      map[string]any `json:"payload"`
}

func (e Entry) hashedRecord() record {
	return record{
		ActorType:    e.ActorType,
		ActorID:      e.ActorID,
		TenantID:     e.TenantID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Payload:      e.Payload,
	}
}

// VerifyResult reports chain integrity for one tenant.
type VerifyResult struct {
	OK       bool   `json:"ok"`
	Entries  int    `json:"entries"`
	BrokenAt int    `json:"broken_at,omitempty"`
	LogID    string `json:"log_id,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// Filter narrows audit queries.
type Filter struct {
	TenantID string
	Action   string
	Actor    string
	Since    time.Time
	Until    time.Time
	Limit    int
}
