// Package store persists keyed record collections as whole documents.
//
// Each collection is a single JSON object mapping record keys to records.
// Writers hold an exclusive per-collection lock across read-modify-write so
// concurrent updates are never lost. A Backend decides where the document
// lives; backends that also implement Locker extend the exclusion across
// processes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/commons/internal/apperr"
	"github.com/MarcoPoloResearchLab/commons/internal/metrics"
	"go.uber.org/zap"
)

// Collection names a record collection.
type Collection string

const (
	Rooms    Collection = "rooms"
	Requests Collection = "membership-requests"
	Tags     Collection = "knowledge-tags"
	Messages Collection = "messages"
	Activity Collection = "activity"
)

// lockOrder is the global acquisition order for multi-collection transactions.
var lockOrder = map[Collection]int{
	Rooms:    0,
	Requests: 1,
	Tags:     2,
	Messages: 3,
	Activity: 4,
}

// Document is the decoded top-level object of a collection.
type Document map[string]json.RawMessage

// Backend reads and writes raw collection documents.
// Load returns nil, nil when the collection has never been written.
type Backend interface {
	Load(ctx context.Context, collection Collection) ([]byte, error)
	Save(ctx context.Context, collection Collection, payload []byte) error
}

// Locker is implemented by backends that can exclude other processes.
type Locker interface {
	Acquire(ctx context.Context, collection Collection) (release func(), err error)
}

// Config wires a Store.
type Config struct {
	Backend Backend
	Logger  *zap.Logger
}

// Store coordinates locked access to collections held by a Backend.
type Store struct {
	backend Backend
	locker  Locker
	locks   map[Collection]chan struct{}
	logger  *zap.Logger
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, errors.New("store backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	locks := make(map[Collection]chan struct{}, len(lockOrder))
	for collection := range lockOrder {
		locks[collection] = make(chan struct{}, 1)
	}
	locker, _ := cfg.Backend.(Locker)
	return &Store{
		backend: cfg.Backend,
		locker:  locker,
		locks:   locks,
		logger:  logger,
	}, nil
}

// Load returns a snapshot of a collection without taking its lock.
// A collection that was never written yields an empty document.
func (s *Store) Load(ctx context.Context, collection Collection) (Document, error) {
	if _, ok := s.locks[collection]; !ok {
		return nil, unknownCollection(collection)
	}
	return s.read(ctx, collection)
}

// Transaction runs fn while holding exclusive locks on every named
// collection. Locks are taken in global order and released in reverse.
func (s *Store) Transaction(ctx context.Context, collections []Collection, fn func(*Tx) error) error {
	ordered := make([]Collection, 0, len(collections))
	seen := make(map[Collection]struct{}, len(collections))
	for _, collection := range collections {
		if _, ok := s.locks[collection]; !ok {
			return unknownCollection(collection)
		}
		if _, dup := seen[collection]; dup {
			continue
		}
		seen[collection] = struct{}{}
		ordered = append(ordered, collection)
	}
	sortCollections(ordered)

	var releases []func()
	defer func() {
		for index := len(releases) - 1; index >= 0; index-- {
			releases[index]()
		}
	}()
	for _, collection := range ordered {
		release, err := s.acquire(ctx, collection)
		if err != nil {
			return err
		}
		releases = append(releases, release)
	}

	tx := &Tx{store: s, ctx: ctx, held: seen}
	return fn(tx)
}

func (s *Store) acquire(ctx context.Context, collection Collection) (func(), error) {
	lock := s.locks[collection]
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return nil, apperr.IO("store.lock", "canceled", fmt.Sprintf("could not lock %s", collection), ctx.Err())
	}
	if s.locker == nil {
		return func() { <-lock }, nil
	}
	releaseBackend, err := s.locker.Acquire(ctx, collection)
	if err != nil {
		<-lock
		s.logger.Error("collection lock failed", zap.String("collection", string(collection)), zap.Error(err))
		return nil, apperr.IO("store.lock", "backend_lock_failed", fmt.Sprintf("could not lock %s", collection), err)
	}
	return func() {
		releaseBackend()
		<-lock
	}, nil
}

func (s *Store) read(ctx context.Context, collection Collection) (Document, error) {
	payload, err := s.backend.Load(ctx, collection)
	if err != nil {
		s.logger.Error("collection read failed", zap.String("collection", string(collection)), zap.Error(err))
		return nil, apperr.IO("store.load", "read_failed", fmt.Sprintf("could not read %s", collection), err)
	}
	document := Document{}
	if len(payload) == 0 {
		return document, nil
	}
	if err := json.Unmarshal(payload, &document); err != nil {
		s.logger.Error("collection decode failed", zap.String("collection", string(collection)), zap.Error(err))
		return nil, apperr.IO("store.load", "decode_failed", fmt.Sprintf("could not decode %s", collection), err)
	}
	if document == nil {
		document = Document{}
	}
	return document, nil
}

func (s *Store) write(ctx context.Context, collection Collection, document Document) error {
	if document == nil {
		document = Document{}
	}
	payload, err := json.MarshalIndent(document, "", "    ")
	if err != nil {
		metrics.RecordStoreSave(string(collection), "error")
		return apperr.IO("store.save", "encode_failed", fmt.Sprintf("could not encode %s", collection), err)
	}
	if err := s.backend.Save(ctx, collection, payload); err != nil {
		metrics.RecordStoreSave(string(collection), "error")
		s.logger.Error("collection write failed", zap.String("collection", string(collection)), zap.Error(err))
		return apperr.IO("store.save", "write_failed", fmt.Sprintf("could not write %s", collection), err)
	}
	metrics.RecordStoreSave(string(collection), "ok")
	return nil
}

// Tx is the view of the store inside Transaction.
type Tx struct {
	store *Store
	ctx   context.Context
	held  map[Collection]struct{}
}

// Load reads a collection held by the transaction.
func (tx *Tx) Load(collection Collection) (Document, error) {
	if err := tx.check(collection); err != nil {
		return nil, err
	}
	return tx.store.read(tx.ctx, collection)
}

// Save replaces a collection held by the transaction.
func (tx *Tx) Save(collection Collection, document Document) error {
	if err := tx.check(collection); err != nil {
		return err
	}
	return tx.store.write(tx.ctx, collection, document)
}

func (tx *Tx) check(collection Collection) error {
	if _, ok := tx.held[collection]; !ok {
		return fmt.Errorf("store: collection %s is not held by this transaction", collection)
	}
	return nil
}

func sortCollections(collections []Collection) {
	sort.Slice(collections, func(i, j int) bool {
		return lockOrder[collections[i]] < lockOrder[collections[j]]
	})
}

func unknownCollection(collection Collection) error {
	return apperr.Validation("store.collection", "unknown", fmt.Sprintf("unknown collection %q", collection))
}
