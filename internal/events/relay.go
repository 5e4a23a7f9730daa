package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/therapy-clinic-scheduling/internal/scheduling"
)

type Relay struct {
	outbox    Outbox
	publisher Publisher
	log       zerolog.Logger
	batchSize int
}

func NewRelay(outbox Outbox, publisher Publisher, log zerolog.Logger, batchSize int) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{outbox: outbox, publisher: publisher, log: log, batchSize: batchSize}
}

// RunOnce drains the outbox batch by batch until it is empty or a publish
// fails. It returns how many events were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.outbox.Process(ctx, r.batchSize, func(ctx context.Context, batch []scheduling.EventLog) error {
			return r.publisher.Publish(ctx, batch)
		})
		total += n
		if err != nil {
			return total, err
		}
		if n < r.batchSize {
			return total, nil
		}
	}
}

// Run calls RunOnce every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	r.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("relay stopping")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Relay) tick(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := r.RunOnce(runCtx)
	if err != nil {
		r.log.Error().Err(err).Int("published", n).Msg("relay run failed")
		return
	}
	if n > 0 {
		r.log.Info().Int("published", n).Dur("took", time.Since(start)).Msg("relay run complete")
	}
}
