package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/RemedyScan/go-core/remedy/records"
	"github.com/RemedyScan/go-core/remedy/store"
)

// maxRetained caps how many snapshots stay in the cache.
const maxRetained = 10

// Manager handles snapshot CRUD operations and lifecycle management.
type Manager struct {
	kv         store.KVStore
	calculator *Calculator
}

// NewManager creates a new snapshot Manager.
func NewManager(rec records.Store, kv store.KVStore) *Manager {
	return &Manager{
		kv:         kv,
		calculator: NewCalculator(rec, kv),
	}
}

// CreateSnapshot generates and stores a new snapshot. snapshotID can be
// empty (auto-generates a timestamp-based ID) or a specific ID.
func (m *Manager) CreateSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	snap, err := m.calculator.Calculate(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	if err := m.calculator.Save(ctx, snap); err != nil {
		return nil, err
	}

	if err := m.CleanupOldSnapshots(ctx); err != nil {
		// Log but don't fail on cleanup error
		slog.Warn("Failed to cleanup old snapshots", "error", err)
	}

	return snap, nil
}

// GetSnapshot retrieves a specific snapshot by ID.
func (m *Manager) GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	key := fmt.Sprintf("remedy:snapshot:%s", snapshotID)

	raw, err := m.kv.GetValue(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("snapshot not found for ID %s: %w", snapshotID, err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ListSnapshots retrieves all available snapshot IDs, most recent first.
func (m *Manager) ListSnapshots(ctx context.Context) ([]string, error) {
	keys, err := m.kv.ListKeys(ctx, "remedy:snapshot:*")
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		parts := strings.Split(key, ":")
		if len(parts) >= 3 {
			ids = append(ids, strings.Join(parts[2:], ":"))
		}
	}

	// Timestamp-format IDs sort chronologically
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return ids, nil
}

// GetLatestSnapshot retrieves the most recent snapshot.
func (m *Manager) GetLatestSnapshot(ctx context.Context) (*Snapshot, error) {
	ids, err := m.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no snapshots available")
	}
	return m.GetSnapshot(ctx, ids[0])
}

// GetTrendData retrieves up to limit most recent snapshots for trend
// analysis.
func (m *Manager) GetTrendData(ctx context.Context, limit int) ([]*Snapshot, error) {
	if limit > maxRetained {
		limit = maxRetained
	}

	ids, err := m.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}

	snaps := make([]*Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := m.GetSnapshot(ctx, id)
		if err != nil {
			// Skip snapshots that fail to load
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// CleanupOldSnapshots keeps only the most recent snapshots.
func (m *Manager) CleanupOldSnapshots(ctx context.Context) error {
	ids, err := m.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	if len(ids) <= maxRetained {
		return nil
	}

	for _, id := range ids[maxRetained:] {
		key := fmt.Sprintf("remedy:snapshot:%s", id)
		if err := m.kv.DeleteValue(ctx, key); err != nil {
			slog.Warn("Failed to delete old snapshot", "key", key, "error", err)
		}
	}
	return nil
}
