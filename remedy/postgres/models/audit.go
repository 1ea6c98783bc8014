package models

import (
	"time"
)

// AuditEntry is one immutable state-transition record.
type AuditEntry struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryID   string    `gorm:"uniqueIndex;not null;size:64" json:"entry_id"`
	Entity    string    `gorm:"not null;size:32;index:idx_audit_entity,priority:1" json:"entity"`
	EntityID  string    `gorm:"not null;size:512;index:idx_audit_entity,priority:2" json:"entity_id"`
	Actor     string    `gorm:"not null;size:255" json:"actor"`
	FromState string    `gorm:"size:32" json:"from_state,omitempty"`
	ToState   string    `gorm:"not null;size:32" json:"to_state"`
	Reason    string    `gorm:"type:text" json:"reason,omitempty"`
	At        time.Time `gorm:"not null;default:NOW();index:idx_audit_at,sort:desc" json:"at"`
}

// TableName specifies the table name for the AuditEntry model.
func (AuditEntry) TableName() string {
	return "audit_entries"
}
