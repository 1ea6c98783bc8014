package models

import (
	"time"
)

// VulnerabilityRecord is the durable form of a deduplicated finding.
type VulnerabilityRecord struct {
	ID                 uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Fingerprint        string     `gorm:"uniqueIndex;not null;size:512" json:"fingerprint"`
	VulnID             string     `gorm:"not null;size:255;index:idx_records_vuln" json:"vuln_id"`
	Asset              string     `gorm:"not null;size:255;index:idx_records_asset" json:"asset"`
	Sources            StringList `gorm:"type:jsonb" json:"sources"`
	FirstSeen          time.Time  `gorm:"not null" json:"first_seen"`
	LastSeen           time.Time  `gorm:"not null" json:"last_seen"`
	Severity           float64    `gorm:"not null" json:"severity"`
	ExploitProbability float64    `gorm:"not null" json:"exploit_probability"`
	RiskScore          float64    `gorm:"not null;index:idx_records_risk,sort:desc" json:"risk_score"`
	Status             string     `gorm:"not null;size:32;index:idx_records_status" json:"status"`
	Version            uint64     `gorm:"not null;default:1" json:"version"`
	CreatedAt          time.Time  `gorm:"not null;default:NOW()" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"not null;default:NOW()" json:"updated_at"`
}

// TableName specifies the table name for the VulnerabilityRecord model.
func (VulnerabilityRecord) TableName() string {
	return "vulnerability_records"
}
