package dashboard

import (
	"context"
	"log/slog"
	"time"

	"robot-telemetry/internal/logging"
)

// RunHeadless polls the store every interval and logs a board summary every
// logEvery. It returns when ctx is done.
func RunHeadless(ctx context.Context, opts Options, logEvery time.Duration) error {
	if opts.Interval <= 0 {
		opts.Interval = 20 * time.Millisecond
	}
	if logEvery <= 0 {
		logEvery = 5 * time.Second
	}
	log := logging.Component("dashboard")

	poll := time.NewTicker(opts.Interval)
	defer poll.Stop()
	lastLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-poll.C:
			board := BuildBoard(opts.Querier, opts.Registry, opts.Attitude)
			if now.Sub(lastLog) < logEvery {
				continue
			}
			lastLog = now
			log.Info("telemetry", summaryAttrs(board, opts.Controller)...)
		}
	}
}

func summaryAttrs(b Board, ctl Controller) []any {
	var attrs []any
	if ctl != nil {
		s := ctl.Snapshot()
		attrs = append(attrs, "state", s.State, "lines", s.Lines, "samples", s.Samples)
	}
	if b.Attitude.HasData {
		attrs = append(attrs, slog.Group("attitude", "x", b.Attitude.X, "y", b.Attitude.Y))
	}
	for _, it := range b.Items() {
		if !it.HasData {
			continue
		}
		attrs = append(attrs, it.Channel, it.Text)
	}
	return attrs
}
