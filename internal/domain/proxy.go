package domain

import "time"

// ProxyProvider is a tenant-assignable SOCKS5 endpoint. The username field
// is a template; substitution tokens {COUNTRY}, {country}, {random:N}, and
// {session:N} are expanded per connection attempt. Lower priority values are
// tried first.
type ProxyProvider struct {
	ID               string     `json:"id" db:"id"`
	Name             string     `json:"name" db:"name"`
	Host             string     `json:"host" db:"host"`
	Port             int        `json:"port" db:"port"`
	UsernameTemplate string     `json:"username_template" db:"username_template"`
	Password         string     `json:"-" db:"password"`
	Priority         int        `json:"priority" db:"priority"`
	Enabled          bool       `json:"enabled" db:"enabled"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}
