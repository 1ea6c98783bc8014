package models

import (
	"time"
)

// PatchCandidate is the durable form of one remediation attempt.
type PatchCandidate struct {
	ID           uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CandidateID  string     `gorm:"uniqueIndex;not null;size:64" json:"candidate_id"`
	Fingerprint  string     `gorm:"not null;size:512;index:idx_candidates_fingerprint" json:"fingerprint"`
	ContentRef   string     `gorm:"size:1024" json:"content_ref,omitempty"`
	Confidence   float64    `gorm:"not null" json:"confidence"`
	State        string     `gorm:"not null;size:32;index:idx_candidates_state" json:"state"`
	Attempts     int        `gorm:"not null;default:0" json:"attempts"`
	EvidenceRef  string     `gorm:"size:1024" json:"evidence_ref,omitempty"`
	ReviewActor  string     `gorm:"size:255" json:"review_actor,omitempty"`
	ReviewAt     *time.Time `json:"review_at,omitempty"`
	ReviewReason string     `gorm:"type:text" json:"review_reason,omitempty"`
	Override     bool       `gorm:"not null;default:false" json:"override"`
	Version      uint64     `gorm:"not null;default:1" json:"version"`
	CreatedAt    time.Time  `gorm:"not null;default:NOW()" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"not null;default:NOW()" json:"updated_at"`
}

// TableName specifies the table name for the PatchCandidate model.
func (PatchCandidate) TableName() string {
	return "patch_candidates"
}
