package mapgen

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mapgen/internal/model"
)

// maxConsecutiveErrors is how many failed fetches in a row end a poll.
const maxConsecutiveErrors = 5

// FetchFunc returns the current snapshot of a run.
type FetchFunc func(ctx context.Context) (*model.GenerationSnapshot, error)

// Poll calls fetch every interval until every listed question (every
// question when none are listed) reaches a terminal status_display, and
// returns the last snapshot. onSnapshot, if set, is called once per new
// snapshot version. Isolated fetch errors are logged and retried.
func Poll(ctx context.Context, fetch FetchFunc, interval time.Duration, questionIDs []string, onSnapshot func(*model.GenerationSnapshot)) (*model.GenerationSnapshot, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return poll(ctx, fetch, func() time.Duration { return interval }, questionIDs, onSnapshot)
}

func poll(ctx context.Context, fetch FetchFunc, interval func() time.Duration, questionIDs []string, onSnapshot func(*model.GenerationSnapshot)) (*model.GenerationSnapshot, error) {
	var (
		last     *model.GenerationSnapshot
		failures int
	)
	for {
		snap, err := fetch(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return last, ctx.Err()
		case err != nil:
			failures++
			if failures >= maxConsecutiveErrors {
				return last, eris.Wrapf(err, "mapgen: poll failed %d times in a row", failures)
			}
			zap.L().Warn("mapgen: poll failed", zap.Int("failures", failures), zap.Error(err))
		default:
			failures = 0
			if last == nil || snap.Version != last.Version {
				if onSnapshot != nil {
					onSnapshot(snap)
				}
			}
			last = snap
			if len(snap.StatusSummary) > 0 && snap.AllTerminal(questionIDs...) {
				return snap, nil
			}
		}

		t := time.NewTimer(interval())
		select {
		case <-ctx.Done():
			t.Stop()
			return last, ctx.Err()
		case <-t.C:
		}
	}
}
