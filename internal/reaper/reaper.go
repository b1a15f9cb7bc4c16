// Package reaper detects resolved markets and settles the positions held
// on them. It is the sole owner of the open → closed transition for
// settled markets: each pass checks the finished-looking markets against
// the venue, records unambiguous outcomes on the registry exactly once,
// and closes every open position at its terminal payoff. Ambiguous or
// disputed markets are left alone and retried on the next pass.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"polyharvest/internal/executor"
	"polyharvest/internal/registry"
	"polyharvest/internal/store"
	"polyharvest/internal/venue"
	"polyharvest/pkg/types"
)

// Outcome inference thresholds. The venue pins a settled token's price at
// its terminal value, so a closed market quoting YES at or beyond these
// bounds has resolved. Invalid markets settle both sides at 0.5 and carry
// a resolved UMA status.
const (
	yesSettled  = 0.999
	noSettled   = 0.001
	invalidBand = 0.005
	umaResolved = "resolved"
)

// marketFetcher is the slice of the discovery client the reaper needs.
type marketFetcher interface {
	GetMarket(ctx context.Context, conditionID string) (*venue.MarketDescriptor, error)
}

// Reaper periodically resolves finished markets and settles their
// positions through the executor.
type Reaper struct {
	reg      *registry.Registry
	disc     marketFetcher
	exec     *executor.Manager
	st       *store.Store
	interval time.Duration
	logger   *slog.Logger
}

// New wires the reaper to its collaborators. interval comes from
// trading.reaper_interval.
func New(reg *registry.Registry, disc marketFetcher, exec *executor.Manager, st *store.Store, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		reg:      reg,
		disc:     disc,
		exec:     exec,
		st:       st,
		interval: interval,
		logger:   logger.With("component", "reaper"),
	}
}

// Run executes a pass immediately and then on every tick until ctx ends.
// Each pass records a task run row so settlement gaps are auditable.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		started := time.Now().UTC()
		checked, errs := r.sweepOnce(ctx)
		finished := time.Now().UTC()
		run := &store.TaskRun{
			Task:        "reaper",
			StartedAt:   started,
			FinishedAt:  finished,
			DurationMS:  finished.Sub(started).Milliseconds(),
			MarketsSeen: checked,
			Errors:      errs,
		}
		if err := r.st.RecordTaskRun(run); err != nil {
			r.logger.Error("task run insert failed", "task", "reaper", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// sweepOnce runs one settlement pass. Reports how many markets it checked
// and how many of those errored.
func (r *Reaper) sweepOnce(ctx context.Context) (int, int) {
	now := time.Now().UTC()
	ids := r.candidates(now)
	resolved, closed, errs := 0, 0, 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		marked, n, err := r.reapOne(ctx, id, now)
		if marked {
			resolved++
		}
		closed += n
		if err != nil {
			r.logger.Error("reap failed", "condition_id", id, "error", err)
			errs++
		}
	}
	if resolved > 0 || closed > 0 {
		r.logger.Info("reap pass complete",
			"checked", len(ids), "resolved", resolved, "positions_closed", closed)
	}
	return len(ids), errs
}

// candidates lists the condition ids worth checking this pass: every
// unresolved tracked market that looks finished, plus every market still
// carrying an open position. Holding money overrides tracking state — a
// market swept out of collection still settles.
func (r *Reaper) candidates(now time.Time) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, m := range r.reg.SettleCandidates(now) {
		add(m.ConditionID)
	}
	for _, p := range r.exec.Book().Open() {
		m, tracked := r.reg.Get(p.ConditionID)
		if tracked && !m.Resolved && !m.Closed && (m.EndDate.IsZero() || now.Before(m.EndDate)) {
			continue // market still live, nothing terminal to settle at
		}
		add(p.ConditionID)
	}
	return out
}

// reapOne resolves and settles one market. A market already carrying a
// recorded outcome skips the venue fetch and settles whatever stragglers
// an earlier partial pass left behind. Reports whether this call recorded
// the outcome and how many positions it closed.
func (r *Reaper) reapOne(ctx context.Context, conditionID string, now time.Time) (bool, int, error) {
	if m, ok := r.reg.Get(conditionID); ok && m.Resolved {
		if m.Outcome == "" {
			return false, 0, nil
		}
		n, err := r.exec.Settle(ctx, conditionID, m.Outcome)
		return false, n, err
	}

	d, err := r.disc.GetMarket(ctx, conditionID)
	if errors.Is(err, venue.ErrNotFound) {
		// Venue delisted the market. Leave the positions open; closing
		// them needs a human call on the payoff.
		r.logger.Warn("market missing from venue", "condition_id", conditionID)
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("fetch market: %w", err)
	}

	outcome, ok := inferOutcome(d)
	if !ok {
		return false, 0, nil
	}

	marked := r.reg.MarkResolved(conditionID, outcome, now)
	n, err := r.exec.Settle(ctx, conditionID, outcome)
	return marked, n, err
}

// inferOutcome maps a venue descriptor to a terminal outcome. Prices are
// only trusted on closed markets: open ones quote opinion, not payoff.
// Reports ok=false when the descriptor stays ambiguous.
func inferOutcome(d *venue.MarketDescriptor) (types.Outcome, bool) {
	if d == nil || !d.Closed {
		return "", false
	}
	var yes float64
	switch {
	case d.YesPrice != nil:
		yes = *d.YesPrice
	case d.NoPrice != nil:
		yes = 1 - *d.NoPrice
	default:
		return "", false
	}
	switch {
	case yes >= yesSettled:
		return types.OutcomeYes, true
	case yes <= noSettled:
		return types.OutcomeNo, true
	case d.UMAStatus == umaResolved && yes >= 0.5-invalidBand && yes <= 0.5+invalidBand:
		return types.OutcomeInvalid, true
	}
	return "", false
}
