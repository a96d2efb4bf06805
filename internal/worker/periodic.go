package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Periodic runs Tick once on start and then every Interval until ctx is
// cancelled. A failing tick is logged and the loop goes on.
type Periodic struct {
	Name     string
	Interval time.Duration
	Tick     func(ctx context.Context) error
	Log      *zap.Logger
}

func (p *Periodic) Run(ctx context.Context) error {
	if p.Interval <= 0 {
		p.Interval = time.Minute
	}
	t := time.NewTicker(p.Interval)
	defer t.Stop()

	for {
		start := time.Now()
		if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.Log.Error("periodic run failed", zap.String("worker", p.Name), zap.Error(err))
		} else {
			p.Log.Debug("periodic run done", zap.String("worker", p.Name), zap.Duration("took", time.Since(start)))
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
