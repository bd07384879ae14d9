package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/progress"
)

// TargetStatsDelta is the rollup of one batch for one target.
type TargetStatsDelta struct {
	TargetID   string
	Runs       int64
	Failures   int64
	Blank      int64
	Bytes      int64
	LastStatus monitor.PageStatus
	At         time.Time
}

// TargetStatsRepository persists per-target rollups.
type TargetStatsRepository interface {
	UpsertTargetStats(ctx context.Context, delta TargetStatsDelta) error
}

// StoreSink collapses completion events into per-target deltas so each batch
// costs one write per target.
type StoreSink struct {
	repo   TargetStatsRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo TargetStatsRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume persists the batch's per-target deltas.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[string]*TargetStatsDelta)
	var order []string
	for _, evt := range batch {
		if evt.TargetID == "" {
			continue
		}
		if evt.Stage != progress.StageTaskDone && evt.Stage != progress.StageTaskError {
			continue
		}
		d, ok := deltas[evt.TargetID]
		if !ok {
			d = &TargetStatsDelta{TargetID: evt.TargetID}
			deltas[evt.TargetID] = d
			order = append(order, evt.TargetID)
		}
		d.Runs++
		switch evt.Stage {
		case progress.StageTaskError:
			d.Failures++
		case progress.StageTaskDone:
			if evt.BlankScreen {
				d.Blank++
			}
			d.Bytes += evt.Bytes
		}
		if d.At.IsZero() || !evt.TS.Before(d.At) {
			d.At = evt.TS
			d.LastStatus = evt.PageStatus
			if evt.Stage == progress.StageTaskError {
				d.LastStatus = monitor.PageUnknown
			}
		}
	}

	for _, id := range order {
		if err := s.repo.UpsertTargetStats(ctx, *deltas[id]); err != nil {
			return fmt.Errorf("upsert target stats: %w", err)
		}
	}
	if len(order) > 0 {
		s.logger.Debug("target stats persisted", zap.Int("targets", len(order)))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
