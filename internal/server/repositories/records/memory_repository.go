package records

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/server/models"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

type recordKey struct {
	entity syncapi.EntityType
	id     string
}

// MemoryStore keeps records in process memory. Update runs one writer at a
// time against a private copy that replaces the live data only when the
// callback succeeds.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]models.Record
	seq     map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[recordKey]models.Record),
		seq:     make(map[string]int64),
	}
}

// Update runs fn inside an isolated write transaction.
func (s *MemoryStore) Update(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &MemoryRepository{records: maps.Clone(s.records), seq: maps.Clone(s.seq)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.records, s.seq = tx.records, tx.seq
	return nil
}

// MemoryRepository is the Repository view handed to Update callbacks.
type MemoryRepository struct {
	records map[recordKey]models.Record
	seq     map[string]int64
}

func (r *MemoryRepository) Get(_ context.Context, entity syncapi.EntityType, id string) (*models.Record, error) {
	rec, ok := r.records[recordKey{entity, id}]
	if !ok {
		return nil, common.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (r *MemoryRepository) GetByOrigin(_ context.Context, entity syncapi.EntityType, deviceID, tag string) (*models.Record, error) {
	for k, rec := range r.records {
		if k.entity == entity && rec.Tag != "" && rec.Tag == tag && rec.DeviceID == deviceID {
			return copyRecord(rec), nil
		}
	}
	return nil, common.ErrNotFound
}

func (r *MemoryRepository) ListByParent(_ context.Context, entity syncapi.EntityType, parentID string) ([]models.Record, error) {
	return r.filter(func(rec models.Record) bool {
		return rec.Entity == entity && rec.ParentID == parentID && !rec.Deleted
	}), nil
}

func (r *MemoryRepository) Put(_ context.Context, rec *models.Record) error {
	k := recordKey{rec.Entity, rec.ID}
	if old, ok := r.records[k]; ok {
		// origin columns are fixed at insert
		rec.DeviceID, rec.Tag = old.DeviceID, old.Tag
	}
	r.records[k] = *copyRecord(*rec)
	return nil
}

func (r *MemoryRepository) ChangedSince(_ context.Context, since time.Time) ([]models.Record, error) {
	return r.filter(func(rec models.Record) bool {
		return rec.ChangedAt.After(since)
	}), nil
}

func (r *MemoryRepository) Count(_ context.Context, entity syncapi.EntityType) (int, error) {
	return len(r.filter(func(rec models.Record) bool {
		return rec.Entity == entity && !rec.Deleted
	})), nil
}

func (r *MemoryRepository) NextSequence(_ context.Context, name string) (int64, error) {
	r.seq[name]++
	return r.seq[name], nil
}

func (r *MemoryRepository) filter(keep func(models.Record) bool) []models.Record {
	var out []models.Record
	for _, rec := range r.records {
		if keep(rec) {
			out = append(out, *copyRecord(rec))
		}
	}
	slices.SortFunc(out, func(a, b models.Record) int {
		if c := a.ChangedAt.Compare(b.ChangedAt); c != 0 {
			return c
		}
		if a.Entity != b.Entity {
			if a.Entity < b.Entity {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func copyRecord(rec models.Record) *models.Record {
	rec.Data = slices.Clone(rec.Data)
	return &rec
}
