package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// recordRow is the persisted form of a Record.
type recordRow struct {
	ID          string `gorm:"primaryKey"`
	SenderID    string `gorm:"index;not null"`
	ReceiverID  string `gorm:"index;not null"`
	ContentHash string `gorm:"index;not null"`
	Timestamp   int64  `gorm:"not null"` // unix milliseconds
	CreatedAt   int64  `gorm:"autoCreateTime:milli"`
}

func (recordRow) TableName() string { return "records" }

// Store is a Ledger backed by a local SQLite database.
type Store struct {
	DB *gorm.DB
}

var _ Ledger = (*Store)(nil)

// OpenStore opens (creating if needed) the SQLite database at path. Use
// ":memory:" for a throwaway ledger.
func OpenStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}

	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&recordRow{}); err != nil {
		return nil, fmt.Errorf("migrating ledger: %w", err)
	}
	return &Store{DB: db}, nil
}

// Append inserts a record and returns its id.
func (s *Store) Append(ctx context.Context, senderID, receiverID, contentHash string, timestamp time.Time) (string, error) {
	row := recordRow{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		ReceiverID:  receiverID,
		ContentHash: contentHash,
		Timestamp:   timestamp.UnixMilli(),
	}
	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("appending ledger record: %w", err)
	}
	return row.ID, nil
}

// Get returns the record with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, recordID string) (Record, error) {
	var row recordRow
	err := s.DB.WithContext(ctx).First(&row, "id = ?", recordID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	if err != nil {
		return Record{}, err
	}
	return row.record(), nil
}

// FindByHash returns every record carrying contentHash, oldest first.
func (s *Store) FindByHash(ctx context.Context, contentHash string) ([]Record, error) {
	var rows []recordRow
	if err := s.DB.WithContext(ctx).Where("content_hash = ?", contentHash).Order("timestamp").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r recordRow) record() Record {
	return Record{
		ID:          r.ID,
		SenderID:    r.SenderID,
		ReceiverID:  r.ReceiverID,
		ContentHash: r.ContentHash,
		Timestamp:   time.UnixMilli(r.Timestamp),
	}
}
