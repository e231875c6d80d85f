package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLDocument is the row holding one collection document.
type SQLDocument struct {
	Collection string    `gorm:"column:collection;primaryKey;size:64"`
	Payload    []byte    `gorm:"column:payload;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

func (SQLDocument) TableName() string {
	return "record_documents"
}

// SQLBackend keeps collection documents in a gorm-managed table.
type SQLBackend struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQLBackend wraps db. The record_documents table must already be migrated.
func NewSQLBackend(db *gorm.DB) (*SQLBackend, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	return &SQLBackend{db: db, now: time.Now}, nil
}

func (b *SQLBackend) Load(ctx context.Context, collection Collection) ([]byte, error) {
	var row SQLDocument
	err := b.db.WithContext(ctx).Where("collection = ?", string(collection)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.Payload, nil
}

func (b *SQLBackend) Save(ctx context.Context, collection Collection, payload []byte) error {
	row := SQLDocument{
		Collection: string(collection),
		Payload:    payload,
		UpdatedAt:  b.now().UTC(),
	}
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&row).Error
}
