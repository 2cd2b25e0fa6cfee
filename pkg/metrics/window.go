// Package metrics implements the companion sliding-window tally over live
// topic traffic. It holds no durable state and never touches offsets or
// cursors; a restart simply starts a fresh window.
package metrics

import (
	"log"
	"sort"
	"strconv"
	"time"
)

// tokenDecimals scales raw integer token amounts (18-decimal fixed point)
// into whole units.
const tokenDecimals = 1e18

type groupStats struct {
	Count  int64
	Volume float64
}

// Aggregator recomputes count, volume and per-group tallies for each window.
type Aggregator struct {
	window      time.Duration
	groupBy     string
	valueKey    string
	count       int64
	volume      float64
	byGroup     map[string]*groupStats
	windowStart time.Time
}

func NewAggregator(window time.Duration, groupBy, valueKey string) *Aggregator {
	return &Aggregator{
		window:      window,
		groupBy:     groupBy,
		valueKey:    valueKey,
		byGroup:     make(map[string]*groupStats),
		windowStart: time.Now(),
	}
}

// Observe folds one record into the current window.
func (a *Aggregator) Observe(row map[string]any) {
	a.count++

	value := parseAmount(row[a.valueKey])
	a.volume += value

	group := "UNKNOWN"
	if g, ok := row[a.groupBy].(string); ok && g != "" {
		group = g
	}
	gs, ok := a.byGroup[group]
	if !ok {
		gs = &groupStats{}
		a.byGroup[group] = gs
	}
	gs.Count++
	gs.Volume += value
}

// MaybeRoll logs a summary and resets counters once the window has elapsed.
// Returns true when a roll happened.
func (a *Aggregator) MaybeRoll(now time.Time) bool {
	elapsed := now.Sub(a.windowStart)
	if elapsed < a.window {
		return false
	}
	a.logSummary(elapsed)
	a.reset(now)
	return true
}

// Flush logs whatever the current partial window holds, for shutdown.
func (a *Aggregator) Flush() {
	a.logSummary(time.Since(a.windowStart))
}

func (a *Aggregator) Count() int64    { return a.count }
func (a *Aggregator) Volume() float64 { return a.volume }

// GroupCount returns the tally for one group key in the current window.
func (a *Aggregator) GroupCount(group string) int64 {
	if gs, ok := a.byGroup[group]; ok {
		return gs.Count
	}
	return 0
}

func (a *Aggregator) logSummary(elapsed time.Duration) {
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	log.Printf("[Metrics] Window %.1fs: %d transfers, volume %.2f (%.2f/sec)",
		elapsed.Seconds(), a.count, a.volume, float64(a.count)/secs)

	groups := make([]string, 0, len(a.byGroup))
	for g := range a.byGroup {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return a.byGroup[groups[i]].Volume > a.byGroup[groups[j]].Volume
	})
	for _, g := range groups {
		gs := a.byGroup[g]
		log.Printf("[Metrics]   %-10s | %6d transfers | volume %.2f", g, gs.Count, gs.Volume)
	}
}

func (a *Aggregator) reset(now time.Time) {
	a.count = 0
	a.volume = 0
	a.byGroup = make(map[string]*groupStats)
	a.windowStart = now
}

// parseAmount tolerates the shapes a token amount arrives in: raw integer
// strings in 18-decimal fixed point, or already-numeric JSON values.
func parseAmount(v any) float64 {
	switch n := v.(type) {
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f / tokenDecimals
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
