package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// series returns n points of (service, metric) cycling through base..base+width-1.
func series(service, metric string, n int, base float64, width int) []DataPoint {
	pts := make([]DataPoint, n)
	for i := range pts {
		pts[i] = DataPoint{
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Service:   service,
			Metric:    metric,
			Value:     base + float64(i%width),
		}
	}
	return pts
}

func point(service, metric string, value float64, ts time.Time) DataPoint {
	return DataPoint{Timestamp: ts, Service: service, Metric: metric, Value: value}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinSamples = 20
	cfg.NumTrees = 50
	cfg.Contamination = 0.01
	cfg.PersistModels = false
	return cfg
}

type memStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	failPut bool
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[string][]byte)}
}

func (s *memStore) Put(_ context.Context, key string, blob []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return "", errors.New("disk full")
	}
	s.blobs[key] = append([]byte(nil), blob...)
	return "mem://" + key, nil
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%s: not found", key)
	}
	return b, nil
}

func (s *memStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// recordingTracker records calls and can be told to fail or panic.
type recordingTracker struct {
	mu      sync.Mutex
	started []string
	params  map[string]string
	metrics map[string]float64
	ended   []string
	fail    bool
	panics  bool
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{params: map[string]string{}, metrics: map[string]float64{}}
}

func (r *recordingTracker) check() error {
	if r.panics {
		panic("tracker exploded")
	}
	if r.fail {
		return errors.New("tracking server unavailable")
	}
	return nil
}

func (r *recordingTracker) StartRun(_ context.Context, runID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(); err != nil {
		return err
	}
	r.started = append(r.started, name)
	return nil
}

func (r *recordingTracker) LogParams(_ context.Context, _ string, params map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(); err != nil {
		return err
	}
	for k, v := range params {
		r.params[k] = v
	}
	return nil
}

func (r *recordingTracker) LogMetrics(_ context.Context, _ string, metrics map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(); err != nil {
		return err
	}
	for k, v := range metrics {
		r.metrics[k] = v
	}
	return nil
}

func (r *recordingTracker) EndRun(_ context.Context, runID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(); err != nil {
		return err
	}
	r.ended = append(r.ended, status)
	return nil
}
