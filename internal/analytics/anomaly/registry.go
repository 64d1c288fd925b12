package anomaly

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const modelKeySuffix = "_model.bin"

// ModelKey returns the store key of a pair: <service>/<metric>_model.bin
// with both parts escaped by escapeSegment.
func ModelKey(service, metric string) string {
	return pairKey(Pair{Service: service, Metric: metric}) + modelKeySuffix
}

// pairKey joins the escaped service and metric with a slash. Distinct pairs
// always get distinct keys.
func pairKey(p Pair) string {
	return escapeSegment(p.Service) + "/" + escapeSegment(p.Metric)
}

// escapeSegment path-escapes s. Dot-only names are escaped as well so "."
// and ".." stay ordinary path segments.
func escapeSegment(s string) string {
	esc := url.PathEscape(s)
	if esc != "" && strings.Trim(esc, ".") == "" {
		return strings.Repeat("%2E", len(esc))
	}
	return esc
}

// entry is replaced as a unit so a reader never sees a model with another
// training run's baseline.
type entry struct {
	model    *PairModel
	baseline *StatBaseline
}

// ModelInfo describes an installed pair.
type ModelInfo struct {
	Service   string    `json:"service"`
	Metric    string    `json:"metric"`
	Samples   int       `json:"samples"`
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"std_dev"`
	Threshold float64   `json:"threshold"`
	TrainedAt time.Time `json:"trained_at"`
}

// ModelRegistry owns the current model and baseline of every trained pair.
type ModelRegistry struct {
	mu      sync.RWMutex
	entries map[Pair]*entry
	store   ModelStore
	logger  *zap.Logger
}

// NewModelRegistry creates an empty registry. store may be nil, in which
// case Persist and Restore fail with ErrPersistence.
func NewModelRegistry(store ModelStore, logger *zap.Logger) *ModelRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelRegistry{
		entries: make(map[Pair]*entry),
		store:   store,
		logger:  logger,
	}
}

func (r *ModelRegistry) lookup(p Pair) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[p]
	return e, ok
}

// Get returns the model of a pair.
func (r *ModelRegistry) Get(service, metric string) (*PairModel, bool) {
	e, ok := r.lookup(Pair{Service: service, Metric: metric})
	if !ok {
		return nil, false
	}
	return e.model, true
}

// Baseline returns the baseline of a pair.
func (r *ModelRegistry) Baseline(service, metric string) (*StatBaseline, bool) {
	e, ok := r.lookup(Pair{Service: service, Metric: metric})
	if !ok {
		return nil, false
	}
	return e.baseline, true
}

// Put installs or replaces the model and baseline of a pair together.
func (r *ModelRegistry) Put(service, metric string, model *PairModel, baseline *StatBaseline) {
	if model == nil || baseline == nil {
		r.logger.Warn("Ignoring put of incomplete model entry",
			zap.String("service", service), zap.String("metric", metric))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[Pair{Service: service, Metric: metric}] = &entry{model: model, baseline: baseline}
}

// Len returns the number of installed pairs.
func (r *ModelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Pairs lists installed pairs ordered by service then metric.
func (r *ModelRegistry) Pairs() []ModelInfo {
	r.mu.RLock()
	pairs := make([]Pair, 0, len(r.entries))
	for p := range r.entries {
		pairs = append(pairs, p)
	}
	entries := make([]*entry, 0, len(pairs))
	sortPairs(pairs)
	for _, p := range pairs {
		entries = append(entries, r.entries[p])
	}
	r.mu.RUnlock()

	infos := make([]ModelInfo, len(pairs))
	for i, p := range pairs {
		e := entries[i]
		infos[i] = ModelInfo{
			Service:   p.Service,
			Metric:    p.Metric,
			Samples:   e.model.Samples(),
			Mean:      e.baseline.Mean(),
			StdDev:    e.baseline.StdDev(),
			Threshold: e.model.Threshold(),
			TrainedAt: e.model.TrainedAt(),
		}
	}
	return infos
}

// Persist writes the current entry of a pair to the model store.
func (r *ModelRegistry) Persist(ctx context.Context, service, metric string) (string, error) {
	if r.store == nil {
		return "", fmt.Errorf("%w: no model store configured", ErrPersistence)
	}
	e, ok := r.lookup(Pair{Service: service, Metric: metric})
	if !ok {
		return "", fmt.Errorf("%w: %s/%s: %w", ErrPersistence, service, metric, ErrModelAbsent)
	}

	blob, err := encodeEntry(e.model, e.baseline)
	if err != nil {
		return "", fmt.Errorf("%w: encode %s/%s: %w", ErrPersistence, service, metric, err)
	}
	loc, err := r.store.Put(ctx, ModelKey(service, metric), blob)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return loc, nil
}

// Restore loads the stored entry of a pair and installs it.
func (r *ModelRegistry) Restore(ctx context.Context, service, metric string) error {
	if r.store == nil {
		return fmt.Errorf("%w: no model store configured", ErrPersistence)
	}
	return r.restoreKey(ctx, ModelKey(service, metric), Pair{Service: service, Metric: metric})
}

// RestoreAll installs every entry found in the store and returns how many
// were loaded. Blobs that fail to decode are logged and skipped.
func (r *ModelRegistry) RestoreAll(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, fmt.Errorf("%w: no model store configured", ErrPersistence)
	}
	keys, err := r.store.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("%w: list: %w", ErrPersistence, err)
	}
	sort.Strings(keys)

	loaded := 0
	for _, key := range keys {
		if !strings.HasSuffix(key, modelKeySuffix) {
			continue
		}
		if err := r.restoreKey(ctx, key, Pair{}); err != nil {
			r.logger.Warn("Skipping stored model", zap.String("key", key), zap.Error(err))
			continue
		}
		loaded++
	}
	return loaded, nil
}

// restoreKey loads key and installs it. A non-zero want must match the
// pair recorded in the blob.
func (r *ModelRegistry) restoreKey(ctx context.Context, key string, want Pair) error {
	blob, err := r.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	model, baseline, err := decodeEntry(blob)
	if err != nil {
		if errors.Is(err, ErrIncompatibleModel) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrPersistence, key, err)
	}
	if want != (Pair{}) && model.pair != want {
		return fmt.Errorf("%w: %s holds %s", ErrPersistence, key, model.pair)
	}
	r.Put(model.pair.Service, model.pair.Metric, model, baseline)
	r.logger.Info("Restored model",
		zap.String("service", model.pair.Service),
		zap.String("metric", model.pair.Metric),
		zap.Int("samples", model.samples))
	return nil
}

func sortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].less(pairs[j]) })
}
