package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"horse.fit/newsdedup/internal/record"
)

const lookupChunkSize = 500

// RecordStore is the Record Store of one dataset. Every query is scoped to
// that dataset; datasets never see each other's rows.
type RecordStore struct {
	pool    *Pool
	dataset string
}

// Dataset scopes the store to one dataset. Names are case-insensitive.
func (p *Pool) Dataset(name string) (*RecordStore, error) {
	if p == nil || p.gdb == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return nil, fmt.Errorf("dataset name is required")
	}
	return &RecordStore{pool: p, dataset: normalized}, nil
}

func (s *RecordStore) Name() string {
	return s.dataset
}

func (s *RecordStore) live(db *gorm.DB) *gorm.DB {
	return db.Model(&StoredRecord{}).Where("dataset = ? AND deleted_at IS NULL", s.dataset)
}

func (s *RecordStore) URLExists(ctx context.Context, url string) (bool, error) {
	if strings.TrimSpace(url) == "" {
		return false, nil
	}
	var count int64
	err := s.live(s.pool.gdb.WithContext(ctx)).
		Where("url_hash = ?", record.HashURL(url)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check url exists: %w", err)
	}
	return count > 0, nil
}

// FilterExistingURLs returns the subset of urls already stored in the dataset.
func (s *RecordStore) FilterExistingURLs(ctx context.Context, urls []string) (map[string]struct{}, error) {
	found, err := s.LookupByURLs(ctx, urls)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]struct{}, len(found))
	for url := range found {
		existing[url] = struct{}{}
	}
	return existing, nil
}

// LookupByURLs returns stored records keyed by the normalized input URL.
// Embeddings are not loaded.
func (s *RecordStore) LookupByURLs(ctx context.Context, urls []string) (map[string]record.Record, error) {
	byHash := make(map[string]string, len(urls))
	hashes := make([]string, 0, len(urls))
	for _, raw := range urls {
		url := record.NormalizeURL(raw)
		if url == "" {
			continue
		}
		hash := record.HashURL(url)
		if _, seen := byHash[hash]; seen {
			continue
		}
		byHash[hash] = url
		hashes = append(hashes, hash)
	}

	found := make(map[string]record.Record, len(hashes))
	for start := 0; start < len(hashes); start += lookupChunkSize {
		end := min(start+lookupChunkSize, len(hashes))
		var rows []StoredRecord
		err := s.live(s.pool.gdb.WithContext(ctx)).
			Select("url_hash", "url", "title", "body", "source", "source_type", "published_at").
			Where("url_hash IN ?", hashes[start:end]).
			Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("lookup urls: %w", err)
		}
		for _, row := range rows {
			url, ok := byHash[row.URLHash]
			if !ok {
				continue
			}
			found[url] = row.toRecord(nil)
		}
	}
	return found, nil
}

// InsertBatch inserts each record on its own. Records whose URL is already
// stored are skipped. Returns the number of rows actually inserted.
func (s *RecordStore) InsertBatch(ctx context.Context, records []record.Record) (int, error) {
	return s.insertRecords(s.pool.gdb.WithContext(ctx), records, "")
}

func (s *RecordStore) insertRecords(tx *gorm.DB, records []record.Record, runID string) (int, error) {
	inserted := 0
	for _, rec := range records {
		url := record.NormalizeURL(rec.URL)
		if url == "" {
			return inserted, fmt.Errorf("insert record: url is required")
		}
		row := StoredRecord{
			RecordUUID:    uuid.NewString(),
			Dataset:       s.dataset,
			URL:           url,
			URLHash:       record.HashURL(url),
			Title:         rec.Title,
			Body:          rec.Body,
			Source:        rec.Source,
			SourceType:    rec.SourceType,
			PublishedAt:   utcPtr(rec.PublishedAt),
			Embedding:     record.EncodeEmbedding(rec.Embedding),
			EmbeddingDims: len(rec.Embedding),
			RunID:         runID,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return inserted, fmt.Errorf("insert record url=%q: %w", url, res.Error)
		}
		inserted += int(res.RowsAffected)
	}
	return inserted, nil
}

// RecentWithEmbeddings loads the historical window: live rows whose
// published_at, or created_at when unpublished, is within the last hours.
// Rows without an embedding are left out.
func (s *RecordStore) RecentWithEmbeddings(ctx context.Context, hours int) ([]record.Record, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("lookback hours must be > 0")
	}
	cutoff := s.pool.clock.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	var rows []StoredRecord
	err := s.live(s.pool.gdb.WithContext(ctx)).
		Where("embedding IS NOT NULL AND embedding_dims > 0").
		Where("COALESCE(published_at, created_at) >= ?", cutoff).
		Order("record_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load recent records: %w", err)
	}

	out := make([]record.Record, 0, len(rows))
	for _, row := range rows {
		vector, err := record.DecodeEmbedding(row.Embedding)
		if err != nil || len(vector) == 0 {
			continue
		}
		out = append(out, row.toRecord(vector))
	}
	return out, nil
}

func (s *RecordStore) IsEmpty(ctx context.Context) (bool, error) {
	var ids []int64
	err := s.live(s.pool.gdb.WithContext(ctx)).Limit(1).Pluck("record_id", &ids).Error
	if err != nil {
		return false, fmt.Errorf("check dataset empty: %w", err)
	}
	return len(ids) == 0, nil
}

func (s *RecordStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.live(s.pool.gdb.WithContext(ctx)).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

// Commit inserts records and appends decisions in one transaction. Nothing is
// written when any statement fails.
func (s *RecordStore) Commit(ctx context.Context, runID string, records []record.Record, decisions []record.Decision) (int, error) {
	stored := 0
	err := s.pool.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.insertRecords(tx, records, runID)
		if err != nil {
			return err
		}
		if err := s.appendDecisions(tx, decisions); err != nil {
			return err
		}
		stored = inserted
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("commit dataset=%s: %w", s.dataset, err)
	}
	return stored, nil
}

func (r StoredRecord) toRecord(embedding []float32) record.Record {
	return record.Record{
		URL:         r.URL,
		Title:       r.Title,
		Body:        r.Body,
		Source:      r.Source,
		SourceType:  r.SourceType,
		PublishedAt: utcPtr(r.PublishedAt),
		Embedding:   embedding,
	}
}

func utcPtr(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}
