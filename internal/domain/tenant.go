package domain

import "time"

// KeyMode distinguishes live traffic from test traffic. It is carried by the
// API key, not the tenant, so one tenant can hold keys of both modes.
type KeyMode string

const (
	KeyModeLive KeyMode = "live"
	KeyModeTest KeyMode = "test"
)

// Tenant is an isolated owner of campaigns, proxies, pool items, and state.
// Every other entity carries its id and every query filters on it.
type Tenant struct {
	ID        string     `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// APIKey is the stored representation of a bearer credential. Only the
// SHA-256 hash of the presented key is persisted; the plaintext exists
// exactly once, at issuance time, outside this system.
type APIKey struct {
	ID         string     `json:"id" db:"id"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	Name       string     `json:"name" db:"name"`
	KeyHash    string     `json:"-" db:"key_hash"`
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"`
	Mode       KeyMode    `json:"mode" db:"mode"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}
