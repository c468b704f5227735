package domain

import (
	"time"
)

// Known script types. Free-form values are accepted; these are the ones the
// coaching platform ships with.
const (
	ScriptTypeDiscovery  = "discovery"
	ScriptTypeDemo       = "demo"
	ScriptTypeObjections = "objections"
)

// ScriptRecord is a stored raw script as managed by the script repository.
// At most one record per (OwnerID, ScriptType) may be active; session
// creation fails when that uniqueness does not hold.
type ScriptRecord struct {
	ID         string
	OwnerID    string
	ScriptType string
	Name       string
	Version    string
	Content    string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
