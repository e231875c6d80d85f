package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/commons/internal/apperr"
)

var (
	// ErrSkipSave aborts an Update without writing and without failing.
	ErrSkipSave = errors.New("store: skip save")
	// ErrAlreadyExists is returned by Insert when the key is taken.
	ErrAlreadyExists = errors.New("store: record already exists")
)

// Records is a typed view over one collection.
type Records[T any] struct {
	store      *Store
	collection Collection
}

// NewRecords binds a typed view to a collection.
func NewRecords[T any](s *Store, collection Collection) *Records[T] {
	return &Records[T]{store: s, collection: collection}
}

// Load decodes an unlocked snapshot of the collection.
func (r *Records[T]) Load(ctx context.Context) (map[string]T, error) {
	document, err := r.store.Load(ctx, r.collection)
	if err != nil {
		return nil, err
	}
	return r.decode(document)
}

// Get returns one record from an unlocked snapshot.
func (r *Records[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	records, err := r.Load(ctx)
	if err != nil {
		return zero, false, err
	}
	record, ok := records[key]
	return record, ok, nil
}

// LoadTx decodes the collection inside a transaction that holds it.
func (r *Records[T]) LoadTx(tx *Tx) (map[string]T, error) {
	document, err := tx.Load(r.collection)
	if err != nil {
		return nil, err
	}
	return r.decode(document)
}

// SaveTx encodes and writes the collection inside a transaction that holds it.
func (r *Records[T]) SaveTx(tx *Tx, records map[string]T) error {
	document, err := r.encode(records)
	if err != nil {
		return err
	}
	return tx.Save(r.collection, document)
}

// Update runs fn over the locked collection and saves the result.
// When fn returns ErrSkipSave nothing is written and Update returns nil.
func (r *Records[T]) Update(ctx context.Context, fn func(records map[string]T) error) error {
	return r.store.Transaction(ctx, []Collection{r.collection}, func(tx *Tx) error {
		records, err := r.LoadTx(tx)
		if err != nil {
			return err
		}
		if err := fn(records); err != nil {
			if errors.Is(err, ErrSkipSave) {
				return nil
			}
			return err
		}
		return r.SaveTx(tx, records)
	})
}

// Insert stores value under key unless the key is already present.
func (r *Records[T]) Insert(ctx context.Context, key string, value T) error {
	return r.Update(ctx, func(records map[string]T) error {
		if _, exists := records[key]; exists {
			return ErrAlreadyExists
		}
		records[key] = value
		return nil
	})
}

func (r *Records[T]) decode(document Document) (map[string]T, error) {
	records := make(map[string]T, len(document))
	for key, raw := range document {
		var record T
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, apperr.IO("store.decode", "record_invalid", fmt.Sprintf("could not decode %s record %q", r.collection, key), err)
		}
		records[key] = record
	}
	return records, nil
}

func (r *Records[T]) encode(records map[string]T) (Document, error) {
	document := make(Document, len(records))
	for key, record := range records {
		raw, err := json.Marshal(record)
		if err != nil {
			return nil, apperr.IO("store.encode", "record_invalid", fmt.Sprintf("could not encode %s record %q", r.collection, key), err)
		}
		document[key] = raw
	}
	return document, nil
}
