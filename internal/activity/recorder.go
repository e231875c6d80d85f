// Package activity keeps a best-effort audit log of social actions.
package activity

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/commons/internal/clock"
	"github.com/MarcoPoloResearchLab/commons/internal/ids"
	"github.com/MarcoPoloResearchLab/commons/internal/store"
	"go.uber.org/zap"
)

const systemActor = "system"

// Entry is one audit record.
type Entry struct {
	ID         string `json:"id"`
	Timestamp  string `json:"timestamp"`
	Actor      string `json:"actor"`
	Verb       string `json:"verb"`
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	Context    string `json:"context,omitempty"`
}

// Publisher fans entries out to another system.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

// Config wires a Recorder.
type Config struct {
	Store      *store.Store
	Publisher  Publisher
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Recorder appends entries to the activity collection. It never fails the
// caller.
type Recorder struct {
	entries   *store.Records[Entry]
	publisher Publisher
	ids       ids.Provider
	clock     clock.Clock
	logger    *zap.Logger
}

// NewRecorder constructs a Recorder. A nil store yields a recorder that only
// publishes, and a nil publisher one that only stores.
func NewRecorder(cfg Config) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	recorder := &Recorder{
		publisher: cfg.Publisher,
		ids:       idProvider,
		clock:     clock.OrSystem(cfg.Clock),
		logger:    logger,
	}
	if cfg.Store != nil {
		recorder.entries = store.NewRecords[Entry](cfg.Store, store.Activity)
	}
	return recorder
}

// Record stamps and appends entry. Failures are logged at warn level only.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil {
		return
	}
	if entry.Actor == "" {
		entry.Actor = systemActor
	}
	if entry.Timestamp == "" {
		entry.Timestamp = r.clock.Stamp()
	}
	if entry.ID == "" {
		id, err := r.ids.NewID()
		if err != nil {
			r.warn("activity id generation failed", entry, err)
			return
		}
		entry.ID = id
	}

	if r.entries != nil {
		err := r.entries.Update(ctx, func(all map[string]Entry) error {
			all[entry.ID] = entry
			return nil
		})
		if err != nil {
			r.warn("activity store failed", entry, err)
		}
	}

	if r.publisher != nil {
		payload, err := json.Marshal(entry)
		if err != nil {
			r.warn("activity encode failed", entry, err)
			return
		}
		if err := r.publisher.Publish(ctx, entry.ObjectID, payload); err != nil {
			r.warn("activity publish failed", entry, err)
		}
	}
}

// Recent returns up to limit entries, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if r.entries == nil {
		return nil, nil
	}
	all, err := r.entries.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(all))
	for _, entry := range all {
		out = append(out, entry)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Recorder) warn(message string, entry Entry, err error) {
	r.logger.Warn(message,
		zap.String("verb", entry.Verb),
		zap.String("object_type", entry.ObjectType),
		zap.String("object_id", entry.ObjectID),
		zap.Error(err),
	)
}

// UUIDv7 ids sort by creation time, so ties on the second-resolution
// timestamp fall back to the id.
func sortNewestFirst(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp == entries[j].Timestamp {
			return entries[i].ID > entries[j].ID
		}
		return entries[i].Timestamp > entries[j].Timestamp
	})
}
