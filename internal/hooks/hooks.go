// Package hooks dispatches save events to registered handlers.
//
// Handlers are selected by the kind of the object being saved. Before-save
// handlers may mutate the object and abort the save by returning an error.
// After-save handlers run once the object is durable; they are skipped while
// the context carries the cascade suppression flag so that a handler which
// saves other objects cannot re-trigger itself.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ObjectKind tags a saved object for handler selection.
type ObjectKind int

const (
	KindOther ObjectKind = iota
	KindSocialSpace
	KindKnowledgeTag
)

func (k ObjectKind) String() string {
	switch k {
	case KindSocialSpace:
		return "social-space"
	case KindKnowledgeTag:
		return "knowledge-tag"
	default:
		return "other"
	}
}

// Object is anything passed through the save pipeline.
type Object interface {
	Kind() ObjectKind
}

// Phase selects when a handler runs.
type Phase int

const (
	BeforeSave Phase = iota
	AfterSave
)

// Handler reacts to a save.
type Handler func(ctx context.Context, object Object) error

type registration struct {
	name    string
	handler Handler
}

type key struct {
	kind  ObjectKind
	phase Phase
}

// Dispatcher holds handler registrations. The zero value is not usable; call
// NewDispatcher.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[key][]registration
	logger   *zap.Logger
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{handlers: make(map[key][]registration), logger: logger}
}

// Register adds a handler. Handlers run in registration order.
func (d *Dispatcher) Register(kind ObjectKind, phase Phase, name string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := key{kind: kind, phase: phase}
	d.handlers[k] = append(d.handlers[k], registration{name: name, handler: handler})
}

// BeforeSave runs before-save handlers; the first error aborts the save.
func (d *Dispatcher) BeforeSave(ctx context.Context, object Object) error {
	if d == nil {
		return nil
	}
	for _, reg := range d.lookup(object.Kind(), BeforeSave) {
		if err := reg.handler(ctx, object); err != nil {
			return fmt.Errorf("before-save %s: %w", reg.name, err)
		}
	}
	return nil
}

// AfterSave runs after-save handlers unless cascades are suppressed in ctx.
// Every handler runs; the first error is returned.
func (d *Dispatcher) AfterSave(ctx context.Context, object Object) error {
	if d == nil || CascadeSuppressed(ctx) {
		return nil
	}
	var first error
	for _, reg := range d.lookup(object.Kind(), AfterSave) {
		if err := reg.handler(ctx, object); err != nil {
			d.logger.Error("after-save handler failed",
				zap.String("handler", reg.name),
				zap.String("kind", object.Kind().String()),
				zap.Error(err),
			)
			if first == nil {
				first = fmt.Errorf("after-save %s: %w", reg.name, err)
			}
		}
	}
	return first
}

func (d *Dispatcher) lookup(kind ObjectKind, phase Phase) []registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	regs := d.handlers[key{kind: kind, phase: phase}]
	out := make([]registration, len(regs))
	copy(out, regs)
	return out
}

type suppressKey struct{}

// WithoutCascade marks ctx so that saves made with it do not fire after-save handlers.
func WithoutCascade(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey{}, true)
}

// CascadeSuppressed reports whether ctx carries the suppression flag.
func CascadeSuppressed(ctx context.Context) bool {
	suppressed, _ := ctx.Value(suppressKey{}).(bool)
	return suppressed
}
