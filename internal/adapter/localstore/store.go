package localstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"opdsrag/internal/vector"
)

const scanBatch = 500

type chunkRow struct {
	ID         string `gorm:"primaryKey"`
	DocumentID string `gorm:"index;not null"`
	ChunkIndex int
	Title      string
	Content    string
	Vector     datatypes.JSONSlice[float32]
	Metadata   datatypes.JSONMap
	CreatedAt  time.Time
}

func (chunkRow) TableName() string { return "chunks" }

// Store keeps each collection in its own sqlite file under the collection
// path. Similarity is computed in process over the stored vectors.
type Store struct {
	mu  sync.Mutex
	dbs map[string]*gorm.DB
}

var _ vector.Store = (*Store)(nil)

func New() *Store {
	return &Store{dbs: make(map[string]*gorm.DB)}
}

// FilePath returns the database file used for a collection.
func FilePath(col vector.Collection) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, col.Name)
	return filepath.Join(col.Path, name+".db")
}

func (s *Store) db(ctx context.Context, col vector.Collection) (*gorm.DB, error) {
	path := FilePath(col)

	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[path]; ok {
		return db.WithContext(ctx), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&chunkRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate %s: %w", path, err)
	}

	s.dbs[path] = db
	return db.WithContext(ctx), nil
}

func (s *Store) DeleteByDocument(ctx context.Context, col vector.Collection, documentID string) (int, error) {
	db, err := s.db(ctx, col)
	if err != nil {
		return 0, err
	}
	res := db.Where("document_id = ?", documentID).Delete(&chunkRow{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *Store) Insert(ctx context.Context, col vector.Collection, entries []vector.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	db, err := s.db(ctx, col)
	if err != nil {
		return err
	}

	rows := make([]chunkRow, len(entries))
	for i, e := range entries {
		rows[i] = chunkRow{
			ID:         e.ID,
			DocumentID: e.DocumentID,
			ChunkIndex: e.ChunkIndex,
			Title:      e.Title,
			Content:    e.Text,
			Vector:     datatypes.JSONSlice[float32](e.Vector),
			Metadata:   datatypes.JSONMap(e.Metadata),
		}
	}

	return db.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(rows, 100).Error
	})
}

func (s *Store) Search(ctx context.Context, col vector.Collection, vec []float32, topK int, filter map[string]string) ([]vector.Match, error) {
	db, err := s.db(ctx, col)
	if err != nil {
		return nil, err
	}

	q := db.Model(&chunkRow{})
	for _, k := range sortedKeys(filter) {
		q = q.Where(metadataEquals(k, filter[k]))
	}

	var matches []vector.Match
	var batch []chunkRow
	res := q.FindInBatches(&batch, scanBatch, func(tx *gorm.DB, _ int) error {
		for _, r := range batch {
			matches = append(matches, vector.Match{
				ID:       r.ID,
				Text:     r.Content,
				Metadata: map[string]interface{}(r.Metadata),
				Distance: vector.Distance(col.Distance, vec, r.Vector),
			})
		}
		return nil
	})
	if res.Error != nil {
		return nil, res.Error
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *Store) ListDocuments(ctx context.Context, col vector.Collection) ([]vector.DocumentSummary, error) {
	db, err := s.db(ctx, col)
	if err != nil {
		return nil, err
	}
	var out []vector.DocumentSummary
	err = db.Model(&chunkRow{}).
		Select("document_id, MAX(title) AS title, COUNT(*) AS chunk_count").
		Group("document_id").
		Order("document_id").
		Scan(&out).Error
	return out, err
}

func (s *Store) CountChunks(ctx context.Context, col vector.Collection) (int, error) {
	db, err := s.db(ctx, col)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.Model(&chunkRow{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for path, db := range s.dbs {
		if sqlDB, err := db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(s.dbs, path)
	}
	return firstErr
}

// metadataEquals compares a metadata key by value. chunk_index is stored
// as a number, everything else as text.
func metadataEquals(key, value string) *datatypes.JSONQueryExpression {
	if key == "chunk_index" {
		if n, err := strconv.Atoi(value); err == nil {
			return datatypes.JSONQuery("metadata").Equals(n, key)
		}
	}
	return datatypes.JSONQuery("metadata").Equals(value, key)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
