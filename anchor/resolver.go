package anchor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/formweaver/dom"
)

// Config tunes the resolver. Zero values take defaults.
type Config struct {
	// ReadTimeout bounds reading one key cell. Default 2s.
	ReadTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Second
	}
}

// Resolver builds anchor-mode queues by reading the key column off the
// current page.
type Resolver struct {
	h   dom.Handle
	cfg Config
	log *slog.Logger
}

// NewResolver returns a Resolver over h. A nil logger falls back to
// slog.Default().
func NewResolver(h dom.Handle, cfg Config, log *slog.Logger) *Resolver {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{h: h, cfg: cfg, log: log}
}

// ValueTable reads the key column and maps each cell value to its 0-based
// page row. Duplicate values keep the first occurrence, so the earlier
// row wins deterministically. Cell text is preferred; an empty text falls
// back to the value attribute (input-based key columns).
func (r *Resolver) ValueTable(ctx context.Context, key Pair) (map[string]int, error) {
	sel, ok := key.Control.RowSelector()
	if !ok {
		return nil, fmt.Errorf("anchor: key control %s has no row-generalizable selector", key.Control.DisplayName())
	}
	els, err := r.h.LocateAll(ctx, key.Control.Frame.Path, sel)
	if err != nil {
		return nil, fmt.Errorf("anchor: locate key column: %w", err)
	}
	table := make(map[string]int, len(els))
	for i, el := range els {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.ReadTimeout)
		val, err := readCell(cctx, el)
		cancel()
		if err != nil {
			r.log.Warn("anchor: unreadable key cell", "row", i, "err", err)
			continue
		}
		val = strings.TrimSpace(val)
		if val == "" {
			continue
		}
		if _, exists := table[val]; !exists {
			table[val] = i
		}
	}
	r.log.Debug("anchor: key column resolved", "cells", len(els), "distinct", len(table))
	return table, nil
}

// Resolve builds the anchor-mode queue for the current page. Every source
// row yields exactly one task: rows whose key appears in the value table
// get its page row, the rest are marked skipped with a readable reason
// and never dropped.
func (r *Resolver) Resolve(ctx context.Context, rows []Row, key Pair) (*Queue, error) {
	table, err := r.ValueTable(ctx, key)
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, len(rows))
	for i, row := range rows {
		k := strings.TrimSpace(row.Key)
		t := &Task{
			SourceIndex: row.Index,
			Values:      row.Values,
			AnchorValue: k,
			Status:      StatusPending,
		}
		if dest, ok := table[k]; ok {
			t.DestIndex = dest
		} else {
			t.DestIndex = SkippedDest
			t.Status = StatusSkipped
			t.Message = fmt.Sprintf("anchor %s not found on page", k)
		}
		tasks[i] = t
	}
	return NewQueue(tasks), nil
}

func readCell(ctx context.Context, el dom.Element) (string, error) {
	text, err := el.Text(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) != "" {
		return text, nil
	}
	return el.Attr(ctx, "value")
}
