// Package analytics aggregates the daily counters the tier and
// invalidation engines emit into hit rates, weighted latency, and cost
// savings. Counters are eventually consistent; a day whose read fails
// counts as zero.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/agentcache/agentcache/pkg/fingerprint"
	"github.com/agentcache/agentcache/pkg/kv"
	"github.com/agentcache/agentcache/pkg/models"
	"github.com/agentcache/agentcache/pkg/observability"
)

// ErrBadPeriod rejects an unknown aggregation period
var ErrBadPeriod = errors.New("unknown analytics period")

// CostConfig holds the cost model constants. They shape the savings
// estimate only; nothing enforces them.
type CostConfig struct {
	LLMCallCost   float64 `mapstructure:"llm_call_cost"`
	L1CostPerHit  float64 `mapstructure:"l1_cost_per_hit"`
	L2CostPerHit  float64 `mapstructure:"l2_cost_per_hit"`
	L3CostPerHit  float64 `mapstructure:"l3_cost_per_hit"`
	ToolCallSaved float64 `mapstructure:"tool_call_saved"`
	DBQuerySaved  float64 `mapstructure:"db_query_saved"`
}

func (c *CostConfig) applyDefaults() {
	if c.LLMCallCost <= 0 {
		c.LLMCallCost = 0.03
	}
	if c.L3CostPerHit <= 0 {
		c.L3CostPerHit = 0.0001
	}
	if c.ToolCallSaved <= 0 {
		c.ToolCallSaved = 0.001
	}
	if c.DBQuerySaved <= 0 {
		c.DBQuerySaved = 0.0005
	}
}

// Expected per-tier lookup latencies in milliseconds, used for the
// weighted latency estimate
const (
	latencyL1Ms = 3.0
	latencyL2Ms = 35.0
	latencyL3Ms = 150.0
)

// Summary is the aggregate view over one period
type Summary struct {
	Period        string           `json:"period"`
	Hits          map[string]int64 `json:"hits"`
	Misses        int64            `json:"misses"`
	Sets          map[string]int64 `json:"sets"`
	KindHits      map[string]int64 `json:"kind_hits"`
	Invalidations int64            `json:"invalidations"`

	HitRate           float64 `json:"hit_rate"`
	WeightedLatencyMs float64 `json:"weighted_latency_ms"`
	CostSavedUSD      float64 `json:"cost_saved_usd"`
}

// Aggregator sums daily counters over a period
type Aggregator struct {
	store  kv.Client
	costs  CostConfig
	logger observability.Logger

	now func() time.Time
}

// NewAggregator creates an analytics aggregator
func NewAggregator(store kv.Client, costs CostConfig, logger observability.Logger) *Aggregator {
	costs.applyDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Aggregator{store: store, costs: costs, logger: logger, now: time.Now}
}

// ParsePeriod maps a period label to its day count
func ParsePeriod(period string) (int, error) {
	switch period {
	case "", "24h":
		return 1, nil
	case "7d":
		return 7, nil
	case "30d":
		return 30, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrBadPeriod, period)
}

// Summarize sums the daily counters over the period and derives hit
// rate, weighted latency, and cost saved.
func (a *Aggregator) Summarize(ctx context.Context, period string) (*Summary, error) {
	ctx, span := observability.StartSpan(ctx, "analytics.summarize")
	defer span.End()

	days, err := ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	if period == "" {
		period = "24h"
	}
	span.SetAttribute("period", period)

	s := &Summary{
		Period:   period,
		Hits:     map[string]int64{},
		Sets:     map[string]int64{},
		KindHits: map[string]int64{},
	}

	for d := 0; d < days; d++ {
		date := a.now().UTC().AddDate(0, 0, -d).Format("2006-01-02")

		for _, tier := range []models.Tier{models.TierL1, models.TierL2, models.TierL3} {
			s.Hits[string(tier)] += a.counter(ctx, fingerprint.DailyHitsKey(tier, date))
		}
		s.Misses += a.counter(ctx, fingerprint.DailyMissesKey(date))
		for _, kind := range []models.Kind{models.KindLLM, models.KindTool, models.KindDB} {
			s.Sets[string(kind)] += a.counter(ctx, fingerprint.DailySetsKey(kind, date))
			s.KindHits[string(kind)] += a.counter(ctx, fingerprint.DailyKindHitsKey(kind, date))
		}
		s.Invalidations += a.counter(ctx, fingerprint.DailyInvalidationsKey(date))
	}

	a.derive(s)
	return s, nil
}

// derive computes hit rate, weighted latency, and cost saved from the
// summed counters
func (a *Aggregator) derive(s *Summary) {
	l1 := float64(s.Hits[string(models.TierL1)])
	l2 := float64(s.Hits[string(models.TierL2)])
	l3 := float64(s.Hits[string(models.TierL3)])
	totalHits := l1 + l2 + l3

	if served := totalHits + float64(s.Misses); served > 0 {
		s.HitRate = totalHits / served
	}
	if totalHits > 0 {
		s.WeightedLatencyMs = (l1*latencyL1Ms + l2*latencyL2Ms + l3*latencyL3Ms) / totalHits
	}

	llmSaved := l1*(a.costs.LLMCallCost-a.costs.L1CostPerHit) +
		l2*(a.costs.LLMCallCost-a.costs.L2CostPerHit) +
		l3*(a.costs.LLMCallCost-a.costs.L3CostPerHit)
	toolSaved := float64(s.KindHits[string(models.KindTool)]) * a.costs.ToolCallSaved
	dbSaved := float64(s.KindHits[string(models.KindDB)]) * a.costs.DBQuerySaved
	s.CostSavedUSD = llmSaved + toolSaved + dbSaved
}

// counter reads one daily counter; a missing or unreadable key counts 0
func (a *Aggregator) counter(ctx context.Context, key string) int64 {
	raw, err := a.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			a.logger.Debug("Counter read failed, counting zero", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return 0
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
