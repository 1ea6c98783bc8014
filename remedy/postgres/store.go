package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/RemedyScan/go-core/remedy"
	"github.com/RemedyScan/go-core/remedy/fault"
	"github.com/RemedyScan/go-core/remedy/postgres/models"
	"github.com/RemedyScan/go-core/remedy/records"
)

// RecordStore is the Postgres-backed records.Store. Version checks ride on a
// WHERE clause, so concurrent writers lose cleanly instead of clobbering
// each other, and the audit entry lands in the same transaction as the
// write.
type RecordStore struct {
	db *gorm.DB
}

// NewRecordStore wraps an initialized database handle.
func NewRecordStore(db *gorm.DB) *RecordStore {
	return &RecordStore{db: db}
}

var activeCandidateStates = []string{
	string(remedy.CandidateRequested),
	string(remedy.CandidateGenerated),
	string(remedy.CandidateTestedPass),
	string(remedy.CandidateTestedFail),
	string(remedy.CandidateApproved),
	string(remedy.CandidateRolledBack),
}

// ---- vulnerability records ----

func (s *RecordStore) GetVulnerability(ctx context.Context, fingerprint string) (*remedy.VulnerabilityRecord, error) {
	var row models.VulnerabilityRecord
	err := s.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("vulnerability %s: %w", fingerprint, records.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying vulnerability %s: %w", fingerprint, err)
	}
	return vulnFromModel(&row), nil
}

func (s *RecordStore) ListVulnerabilities(ctx context.Context) ([]*remedy.VulnerabilityRecord, error) {
	var rows []models.VulnerabilityRecord
	if err := s.db.WithContext(ctx).Order("fingerprint").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing vulnerabilities: %w", err)
	}
	out := make([]*remedy.VulnerabilityRecord, len(rows))
	for i := range rows {
		out[i] = vulnFromModel(&rows[i])
	}
	return out, nil
}

func (s *RecordStore) CreateVulnerability(ctx context.Context, rec *remedy.VulnerabilityRecord, audit *remedy.AuditEntry) error {
	rec.Version = 1
	row := vulnToModel(rec)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("vulnerability %s: %w", rec.Fingerprint, records.ErrAlreadyExists)
			}
			return fmt.Errorf("creating vulnerability %s: %w", rec.Fingerprint, err)
		}
		return appendAudit(tx, audit)
	})
}

func (s *RecordStore) UpdateVulnerability(ctx context.Context, rec *remedy.VulnerabilityRecord, audit *remedy.AuditEntry) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.VulnerabilityRecord{}).
			Where("fingerprint = ? AND version = ?", rec.Fingerprint, rec.Version).
			Updates(map[string]interface{}{
				"sources":             models.StringList(rec.Sources),
				"last_seen":           rec.LastSeen,
				"severity":            rec.Severity,
				"exploit_probability": rec.ExploitProbability,
				"risk_score":          rec.RiskScore,
				"status":              string(rec.Status),
				"version":             rec.Version + 1,
				"updated_at":          time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("updating vulnerability %s: %w", rec.Fingerprint, res.Error)
		}
		if res.RowsAffected == 0 {
			return staleOrMissing(tx, "records.UpdateVulnerability",
				&models.VulnerabilityRecord{}, "fingerprint = ?", rec.Fingerprint)
		}
		return appendAudit(tx, audit)
	})
	if err != nil {
		return err
	}
	rec.Version++
	return nil
}

// ---- patch candidates ----

func (s *RecordStore) GetCandidate(ctx context.Context, id string) (*remedy.PatchCandidate, error) {
	var row models.PatchCandidate
	err := s.db.WithContext(ctx).Where("candidate_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("candidate %s: %w", id, records.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying candidate %s: %w", id, err)
	}
	return candidateFromModel(&row), nil
}

func (s *RecordStore) ListCandidates(ctx context.Context, fingerprint string) ([]*remedy.PatchCandidate, error) {
	q := s.db.WithContext(ctx).Order("created_at")
	if fingerprint != "" {
		q = q.Where("fingerprint = ?", fingerprint)
	}
	var rows []models.PatchCandidate
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}
	out := make([]*remedy.PatchCandidate, len(rows))
	for i := range rows {
		out[i] = candidateFromModel(&rows[i])
	}
	return out, nil
}

func (s *RecordStore) ActiveCandidate(ctx context.Context, fingerprint string) (*remedy.PatchCandidate, error) {
	var row models.PatchCandidate
	err := s.db.WithContext(ctx).
		Where("fingerprint = ? AND state IN ?", fingerprint, activeCandidateStates).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("active candidate for %s: %w", fingerprint, records.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying active candidate for %s: %w", fingerprint, err)
	}
	return candidateFromModel(&row), nil
}

func (s *RecordStore) CreateCandidate(ctx context.Context, c *remedy.PatchCandidate, audit *remedy.AuditEntry) error {
	c.Version = 1
	row := candidateToModel(c)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// One active candidate per record, enforced inside the transaction so
		// no caller can race past the lifecycle guard.
		var active int64
		if err := tx.Model(&models.PatchCandidate{}).
			Where("fingerprint = ? AND state IN ?", c.Fingerprint, activeCandidateStates).
			Count(&active).Error; err != nil {
			return fmt.Errorf("checking active candidates for %s: %w", c.Fingerprint, err)
		}
		if active > 0 {
			return fault.Conflict("records.CreateCandidate",
				fmt.Errorf("an active candidate already exists for %s", c.Fingerprint))
		}
		if err := tx.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("candidate %s: %w", c.ID, records.ErrAlreadyExists)
			}
			return fmt.Errorf("creating candidate %s: %w", c.ID, err)
		}
		return appendAudit(tx, audit)
	})
}

func (s *RecordStore) UpdateCandidate(ctx context.Context, c *remedy.PatchCandidate, audit *remedy.AuditEntry) error {
	fields := map[string]interface{}{
		"content_ref":  c.ContentRef,
		"confidence":   c.Confidence,
		"state":        string(c.State),
		"attempts":     c.Attempts,
		"evidence_ref": c.EvidenceRef,
		"version":      c.Version + 1,
		"updated_at":   time.Now().UTC(),
	}
	if c.Review != nil {
		fields["review_actor"] = c.Review.Actor
		fields["review_at"] = c.Review.At
		fields["review_reason"] = c.Review.Reason
		fields["override"] = c.Review.Override
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PatchCandidate{}).
			Where("candidate_id = ? AND version = ?", c.ID, c.Version).
			Updates(fields)
		if res.Error != nil {
			return fmt.Errorf("updating candidate %s: %w", c.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return staleOrMissing(tx, "records.UpdateCandidate",
				&models.PatchCandidate{}, "candidate_id = ?", c.ID)
		}
		return appendAudit(tx, audit)
	})
	if err != nil {
		return err
	}
	c.Version++
	return nil
}

// ---- deployment records ----

func (s *RecordStore) GetDeployment(ctx context.Context, id string) (*remedy.DeploymentRecord, error) {
	var row models.DeploymentRecord
	err := s.db.WithContext(ctx).Where("deployment_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("deployment %s: %w", id, records.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying deployment %s: %w", id, err)
	}
	return deploymentFromModel(&row), nil
}

func (s *RecordStore) ListDeployments(ctx context.Context, candidateID string) ([]*remedy.DeploymentRecord, error) {
	q := s.db.WithContext(ctx).Order("started_at")
	if candidateID != "" {
		q = q.Where("candidate_id = ?", candidateID)
	}
	var rows []models.DeploymentRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	out := make([]*remedy.DeploymentRecord, len(rows))
	for i := range rows {
		out[i] = deploymentFromModel(&rows[i])
	}
	return out, nil
}

func (s *RecordStore) CreateDeployment(ctx context.Context, d *remedy.DeploymentRecord, audit *remedy.AuditEntry) error {
	d.Version = 1
	row := deploymentToModel(d)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("deployment %s: %w", d.ID, records.ErrAlreadyExists)
			}
			return fmt.Errorf("creating deployment %s: %w", d.ID, err)
		}
		return appendAudit(tx, audit)
	})
}

func (s *RecordStore) UpdateDeployment(ctx context.Context, d *remedy.DeploymentRecord, audit *remedy.AuditEntry) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.DeploymentRecord{}).
			Where("deployment_id = ? AND version = ?", d.ID, d.Version).
			Updates(map[string]interface{}{
				"state":        string(d.State),
				"attempts":     d.Attempts,
				"applied":      models.StringList(d.Applied),
				"ended_at":     d.EndedAt,
				"rollback_ref": d.RollbackRef,
				"version":      d.Version + 1,
				"updated_at":   time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("updating deployment %s: %w", d.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return staleOrMissing(tx, "records.UpdateDeployment",
				&models.DeploymentRecord{}, "deployment_id = ?", d.ID)
		}
		return appendAudit(tx, audit)
	})
	if err != nil {
		return err
	}
	d.Version++
	return nil
}

// ---- audit trail ----

func (s *RecordStore) ListAudit(ctx context.Context, f records.AuditFilter) ([]remedy.AuditEntry, error) {
	q := s.db.WithContext(ctx).Order("at")
	if f.Entity != "" {
		q = q.Where("entity = ?", f.Entity)
	}
	if f.EntityID != "" {
		q = q.Where("entity_id = ?", f.EntityID)
	}
	var rows []models.AuditEntry
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	if f.Limit > 0 && len(rows) > f.Limit {
		rows = rows[len(rows)-f.Limit:]
	}
	out := make([]remedy.AuditEntry, len(rows))
	for i, row := range rows {
		out[i] = remedy.AuditEntry{
			ID:        row.EntryID,
			Entity:    row.Entity,
			EntityID:  row.EntityID,
			Actor:     row.Actor,
			FromState: row.FromState,
			ToState:   row.ToState,
			Reason:    row.Reason,
			At:        row.At,
		}
	}
	return out, nil
}

// ---- helpers ----

func appendAudit(tx *gorm.DB, audit *remedy.AuditEntry) error {
	if audit == nil {
		return nil
	}
	row := models.AuditEntry{
		EntryID:   audit.ID,
		Entity:    audit.Entity,
		EntityID:  audit.EntityID,
		Actor:     audit.Actor,
		FromState: audit.FromState,
		ToState:   audit.ToState,
		Reason:    audit.Reason,
		At:        audit.At,
	}
	if row.EntryID == "" {
		row.EntryID = uuid.NewString()
	}
	if row.At.IsZero() {
		row.At = time.Now().UTC()
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// staleOrMissing distinguishes a version conflict from a missing row after a
// zero-row CAS update.
func staleOrMissing(tx *gorm.DB, op string, model interface{}, cond, key string) error {
	var count int64
	if err := tx.Model(model).Where(cond, key).Count(&count).Error; err != nil {
		return fmt.Errorf("checking %s: %w", key, err)
	}
	if count == 0 {
		return fmt.Errorf("%s: %w", key, records.ErrNotFound)
	}
	return fault.Conflict(op, fmt.Errorf("%s: %w", key, records.ErrStale))
}

func vulnToModel(r *remedy.VulnerabilityRecord) *models.VulnerabilityRecord {
	return &models.VulnerabilityRecord{
		Fingerprint:        r.Fingerprint,
		VulnID:             r.VulnID,
		Asset:              r.Asset,
		Sources:            models.StringList(r.Sources),
		FirstSeen:          r.FirstSeen,
		LastSeen:           r.LastSeen,
		Severity:           r.Severity,
		ExploitProbability: r.ExploitProbability,
		RiskScore:          r.RiskScore,
		Status:             string(r.Status),
		Version:            r.Version,
	}
}

func vulnFromModel(row *models.VulnerabilityRecord) *remedy.VulnerabilityRecord {
	return &remedy.VulnerabilityRecord{
		Fingerprint:        row.Fingerprint,
		VulnID:             row.VulnID,
		Asset:              row.Asset,
		Sources:            append([]string(nil), row.Sources...),
		FirstSeen:          row.FirstSeen,
		LastSeen:           row.LastSeen,
		Severity:           row.Severity,
		ExploitProbability: row.ExploitProbability,
		RiskScore:          row.RiskScore,
		Status:             remedy.VulnStatus(row.Status),
		Version:            row.Version,
	}
}

func candidateToModel(c *remedy.PatchCandidate) *models.PatchCandidate {
	row := &models.PatchCandidate{
		CandidateID: c.ID,
		Fingerprint: c.Fingerprint,
		ContentRef:  c.ContentRef,
		Confidence:  c.Confidence,
		State:       string(c.State),
		Attempts:    c.Attempts,
		EvidenceRef: c.EvidenceRef,
		Version:     c.Version,
		CreatedAt:   c.CreatedAt,
	}
	if c.Review != nil {
		row.ReviewActor = c.Review.Actor
		at := c.Review.At
		row.ReviewAt = &at
		row.ReviewReason = c.Review.Reason
		row.Override = c.Review.Override
	}
	return row
}

func candidateFromModel(row *models.PatchCandidate) *remedy.PatchCandidate {
	c := &remedy.PatchCandidate{
		ID:          row.CandidateID,
		Fingerprint: row.Fingerprint,
		ContentRef:  row.ContentRef,
		Confidence:  row.Confidence,
		State:       remedy.CandidateState(row.State),
		Attempts:    row.Attempts,
		EvidenceRef: row.EvidenceRef,
		CreatedAt:   row.CreatedAt,
		Version:     row.Version,
	}
	if row.ReviewAt != nil {
		c.Review = &remedy.Review{
			Actor:    row.ReviewActor,
			At:       *row.ReviewAt,
			Reason:   row.ReviewReason,
			Override: row.Override,
		}
	}
	return c
}

func deploymentToModel(d *remedy.DeploymentRecord) *models.DeploymentRecord {
	return &models.DeploymentRecord{
		DeploymentID: d.ID,
		CandidateID:  d.CandidateID,
		Fingerprint:  d.Fingerprint,
		Assets:       models.StringList(d.Assets),
		Strategy:     string(d.Strategy),
		State:        string(d.State),
		Attempts:     d.Attempts,
		Applied:      models.StringList(d.Applied),
		StartedAt:    d.StartedAt,
		EndedAt:      d.EndedAt,
		RollbackRef:  d.RollbackRef,
		RevertOf:     d.RevertOf,
		Version:      d.Version,
	}
}

func deploymentFromModel(row *models.DeploymentRecord) *remedy.DeploymentRecord {
	return &remedy.DeploymentRecord{
		ID:          row.DeploymentID,
		CandidateID: row.CandidateID,
		Fingerprint: row.Fingerprint,
		Assets:      append([]string(nil), row.Assets...),
		Strategy:    remedy.Strategy(row.Strategy),
		State:       remedy.DeploymentState(row.State),
		Attempts:    row.Attempts,
		Applied:     append([]string(nil), row.Applied...),
		StartedAt:   row.StartedAt,
		EndedAt:     row.EndedAt,
		RollbackRef: row.RollbackRef,
		RevertOf:    row.RevertOf,
		Version:     row.Version,
	}
}
