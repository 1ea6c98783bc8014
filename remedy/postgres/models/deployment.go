package models

import (
	"time"
)

// DeploymentRecord is the durable form of one deployment run. Rows are
// append-only: rolled-back deployments keep their history and link to the
// action that undid them via RollbackRef.
type DeploymentRecord struct {
	ID           uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DeploymentID string     `gorm:"uniqueIndex;not null;size:64" json:"deployment_id"`
	CandidateID  string     `gorm:"not null;size:64;index:idx_deployments_candidate" json:"candidate_id"`
	Fingerprint  string     `gorm:"not null;size:512;index:idx_deployments_fingerprint" json:"fingerprint"`
	Assets       StringList `gorm:"type:jsonb" json:"assets"`
	Strategy     string     `gorm:"not null;size:32" json:"strategy"`
	State        string     `gorm:"not null;size:32;index:idx_deployments_state" json:"state"`
	Attempts     int        `gorm:"not null;default:0" json:"attempts"`
	Applied      StringList `gorm:"type:jsonb" json:"applied"`
	StartedAt    time.Time  `gorm:"not null" json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	RollbackRef  string     `gorm:"size:255" json:"rollback_ref,omitempty"`
	RevertOf     string     `gorm:"size:64;index:idx_deployments_revert_of" json:"revert_of,omitempty"`
	Version      uint64     `gorm:"not null;default:1" json:"version"`
	CreatedAt    time.Time  `gorm:"not null;default:NOW()" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"not null;default:NOW()" json:"updated_at"`
}

// TableName specifies the table name for the DeploymentRecord model.
func (DeploymentRecord) TableName() string {
	return "deployment_records"
}
