// Package modules routes module-action events to pluggable handlers by tag.
package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"roster/cmd/internal/metrics"
)

var (
	// ErrUnknownModule is returned by Dispatch for a tag with no handler.
	ErrUnknownModule = errors.New("modules: unknown module")
	// ErrHandlerPanic is returned when a handler panicked; the panic is recovered.
	ErrHandlerPanic = errors.New("modules: handler panic")
)

// Module handles module-action payloads for one tag.
// Handle must not retain payload after returning.
type Module interface {
	Tag() string
	Handle(ctx context.Context, payload json.RawMessage) error
}

// Table is the fixed tag -> Module lookup built at startup.
// It is immutable after NewTable, so lookups need no locking.
type Table struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	modules map[string]Module
}

// NewTable builds a Table. Empty or duplicate tags are an error.
func NewTable(log *slog.Logger, m *metrics.Metrics, mods ...Module) (*Table, error) {
	if log == nil {
		log = slog.Default()
	}

	t := &Table{
		log:     log,
		metrics: m,
		modules: make(map[string]Module, len(mods)),
	}
	for _, mod := range mods {
		if mod == nil {
			continue
		}
		tag := strings.TrimSpace(mod.Tag())
		if tag == "" {
			return nil, errors.New("modules: empty tag")
		}
		if _, exists := t.modules[tag]; exists {
			return nil, fmt.Errorf("modules: tag already registered: %s", tag)
		}
		t.modules[tag] = mod
	}
	return t, nil
}

// Tags returns the registered tags sorted alphabetically.
func (t *Table) Tags() []string {
	out := make([]string, 0, len(t.modules))
	for tag := range t.modules {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Dispatch invokes the handler registered for tag synchronously.
//
// Unknown tags are logged and reported as ErrUnknownModule. Handler errors are
// wrapped; handler panics are recovered and reported as ErrHandlerPanic.
// Callers treat every returned error as non-fatal.
func (t *Table) Dispatch(ctx context.Context, tag string, payload json.RawMessage) (err error) {
	mod, ok := t.modules[tag]
	if !ok {
		t.log.Warn("modules.dispatch.unknown", "tag", tag)
		t.metrics.Dispatched("unknown", "unknown")
		return fmt.Errorf("%w: %q", ErrUnknownModule, tag)
	}

	defer func() {
		if rec := recover(); rec != nil {
			t.log.Error("modules.dispatch.panic", "tag", tag, "panic", rec)
			t.metrics.Dispatched(tag, "panic")
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, tag, rec)
		}
	}()

	if err := mod.Handle(ctx, payload); err != nil {
		t.log.Error("modules.dispatch.fail", "tag", tag, "err", err)
		t.metrics.Dispatched(tag, "error")
		return fmt.Errorf("modules: %s: %w", tag, err)
	}

	t.metrics.Dispatched(tag, "ok")
	return nil
}
