package org

import "time"

// Organization is a tenant: a healthcare provider running call campaigns.
type Organization struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`

	// OutboundNumber is the caller id used for outbound campaign calls (E.164).
	OutboundNumber string `json:"outbound_number" db:"outbound_number"`

	// ConcurrentCallLimit caps simultaneous provider calls per run.
	// Zero means "use the engine default".
	ConcurrentCallLimit int `json:"concurrent_call_limit" db:"concurrent_call_limit"`

	// InboundAgentID is the voice agent answering inbound calls when the webhook
	// does not name one.
	InboundAgentID string `json:"inbound_agent_id,omitempty" db:"inbound_agent_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
