package model

// AuditEntry records one territory change.
type AuditEntry struct {
	TimeMS   int64  `json:"time_ms"`
	Actor    string `json:"actor"`
	Action   string `json:"action"` // e.g. "CLAIM", "UNCLAIM", "DISSOLVE"
	World    string `json:"world,omitempty"`
	X        int    `json:"x"`
	Z        int    `json:"z"`
	ClaimID  int64  `json:"claim_id,omitempty"`
	RegionID int64  `json:"region_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// AuditLogger is implemented in internal/persistence/log. Callers treat a
// nil logger as disabled.
type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}
