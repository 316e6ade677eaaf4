// Package maintenance prunes aged pollution-grid rows so the hot table
// stays within the configured retention window.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/task"
)

// GridPruner is the slice of the store the pruner needs.
type GridPruner interface {
	PruneCellsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Pruner struct {
	grid     GridPruner
	days     int
	timezone string
	logger   *zap.Logger
}

func NewPruner(grid GridPruner, retentionDays int, timezone string, logger *zap.Logger) *Pruner {
	return &Pruner{
		grid:     grid,
		days:     retentionDays,
		timezone: timezone,
		logger:   logger,
	}
}

// Cutoff returns local midnight of the day retentionDays before now in
// the configured timezone. Rows older than this are dropped.
func (p *Pruner) Cutoff(now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(p.timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("loading timezone %s: %w", p.timezone, err)
	}
	local := now.In(loc).AddDate(0, 0, -p.days)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc), nil
}

func (p *Pruner) Run(ctx context.Context) task.Result {
	cutoff, err := p.Cutoff(time.Now())
	if err != nil {
		p.logger.Error("computing retention cutoff", zap.Error(err))
		return task.Errored(err.Error())
	}

	rows, err := p.grid.PruneCellsBefore(ctx, cutoff)
	if err != nil {
		p.logger.Error("pruning pollution grid", zap.Error(err))
		return task.Errored(err.Error())
	}

	p.logger.Info("retention prune complete",
		zap.Int64("rows", rows),
		zap.Time("cutoff", cutoff),
	)
	return task.OK(map[string]any{
		"rows_pruned": rows,
		"cutoff":      cutoff.UTC().Format(time.RFC3339),
	})
}
