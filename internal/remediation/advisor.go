package remediation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
)

// Completer answers a single prompt. *openai.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ErrEmptySuggestion is returned when the model answered with no text.
var ErrEmptySuggestion = errors.New("empty suggestion")

// AdvisorOptions tunes the suggestion cache and request deadline.
type AdvisorOptions struct {
	// CacheTTL is how long a suggestion is reused for the same service,
	// metric and severity. Default 1h.
	CacheTTL time.Duration
	// CacheSize bounds the number of cached suggestions. Default 256.
	CacheSize int
	// Timeout bounds one completion call. Default 15s.
	Timeout time.Duration
}

// Advisor asks a language model for a free-text remediation suggestion and
// caches answers per service, metric and severity.
type Advisor struct {
	llm     Completer
	cache   *expirable.LRU[string, string]
	timeout time.Duration
	logger  *zap.Logger
}

// NewAdvisor creates an advisor backed by llm.
func NewAdvisor(llm Completer, opts AdvisorOptions, logger *zap.Logger) *Advisor {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advisor{
		llm:     llm,
		cache:   expirable.NewLRU[string, string](opts.CacheSize, nil, opts.CacheTTL),
		timeout: opts.Timeout,
		logger:  logger,
	}
}

// Suggest returns a suggestion for rec. Failed or empty answers are not
// cached.
func (a *Advisor) Suggest(ctx context.Context, rec anomaly.AnomalyRecord) (string, error) {
	key := anomaly.ModelKey(rec.Service, rec.Metric) + "/" + string(rec.Severity)
	if s, ok := a.cache.Get(key); ok {
		a.logger.Debug("Using cached suggestion", zap.String("key", key))
		return s, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	text, err := a.llm.Complete(ctx, advisorPrompt(rec))
	if err != nil {
		return "", fmt.Errorf("suggestion for %s/%s: %w", rec.Service, rec.Metric, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("suggestion for %s/%s: %w", rec.Service, rec.Metric, ErrEmptySuggestion)
	}

	a.cache.Add(key, text)
	a.logger.Info("Got remediation suggestion",
		zap.String("service", rec.Service),
		zap.String("metric", rec.Metric),
		zap.Duration("duration", time.Since(start)))
	return text, nil
}

// CacheLen returns the number of live cached suggestions.
func (a *Advisor) CacheLen() int { return a.cache.Len() }

var metricDescriptions = map[string]string{
	"cpu_usage":     "CPU utilization percentage",
	"memory_usage":  "memory utilization percentage",
	"response_time": "API response time in milliseconds",
	"error_rate":    "percentage of requests resulting in errors",
	"request_count": "number of incoming requests per minute",
}

func advisorPrompt(rec anomaly.AnomalyRecord) string {
	desc, ok := metricDescriptions[rec.Metric]
	if !ok {
		desc = rec.Metric
	}
	var b strings.Builder
	b.WriteString("An anomaly was detected in one of our cloud services.\n\n")
	fmt.Fprintf(&b, "Service: %s\n", rec.Service)
	fmt.Fprintf(&b, "Metric: %s\n", desc)
	fmt.Fprintf(&b, "Current value: %g\n", rec.Value)
	fmt.Fprintf(&b, "Severity: %s\n\n", rec.Severity)
	b.WriteString("As a cloud operations expert, what is the best remediation action to take? ")
	b.WriteString("Give one specific, actionable recommendation that addresses the root cause ")
	b.WriteString("and can be carried out immediately.")
	return b.String()
}
