package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/commission-ledger/internal/models"
	"github.com/ILLUVRSE/commission-ledger/internal/signing"
	"github.com/ILLUVRSE/commission-ledger/internal/store"
)

type RelayConfig struct {
	// BatchSize is how many outbox rows are claimed per run. Defaults to 100.
	BatchSize int
	// Interval between scheduled runs. Defaults to 5s.
	Interval time.Duration
	// MaxConcurrency bounds concurrent processing of one batch. Defaults to 5.
	MaxConcurrency int
	// MaxAttempts stops retrying an event after this many claims. Defaults to 10.
	MaxAttempts int
}

// Relay drains the ledger outbox: it claims pending rows, publishes each sealed envelope to
// Kafka, archives it to S3 and records the outcome on the row.
type Relay struct {
	outbox   store.EventOutbox
	producer Producer
	archiver Archiver
	signer   signing.Signer
	cfg      RelayConfig
	log      zerolog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
}

// NewRelay requires at least one of producer or archiver.
func NewRelay(outbox store.EventOutbox, producer Producer, archiver Archiver, signer signing.Signer, cfg RelayConfig, log zerolog.Logger) (*Relay, error) {
	if outbox == nil {
		return nil, errors.New("relay: outbox required")
	}
	if producer == nil && archiver == nil {
		return nil, errors.New("relay: a producer or an archiver is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Relay{
		outbox:   outbox,
		producer: producer,
		archiver: archiver,
		signer:   signer,
		cfg:      cfg,
		log:      log.With().Str("component", "relay").Logger(),
	}, nil
}

// Start schedules RunOnce every Interval. Overlapping runs are skipped.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler != nil {
		return errors.New("relay already started")
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(r.cfg.Interval),
		gocron.NewTask(func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error().Err(err).Msg("outbox relay run failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("ledger-outbox-relay"),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule relay: %w", err)
	}
	sched.Start()
	r.scheduler = sched
	r.log.Info().
		Dur("interval", r.cfg.Interval).
		Int("batch", r.cfg.BatchSize).
		Int("concurrency", r.cfg.MaxConcurrency).
		Msg("outbox relay started")
	return nil
}

// Stop waits for a running batch and closes the producer.
func (r *Relay) Stop() error {
	r.mu.Lock()
	sched := r.scheduler
	r.scheduler = nil
	r.mu.Unlock()

	var errs []error
	if sched != nil {
		if err := sched.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown scheduler: %w", err))
		}
	}
	if r.producer != nil {
		if err := r.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer: %w", err))
		}
	}
	r.log.Info().Msg("outbox relay stopped")
	return errors.Join(errs...)
}

// RunOnce claims one batch and processes it with bounded concurrency. It returns how many
// events were delivered.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	batch, err := r.outbox.FetchPendingEvents(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("fetch pending events: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
		sem       = make(chan struct{}, r.cfg.MaxConcurrency)
	)
	for _, ev := range batch {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(ev models.LedgerEvent) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := r.process(ctx, ev); err != nil {
				r.log.Warn().Err(err).
					Str("event_id", ev.ID.String()).
					Str("event_type", ev.EventType).
					Int("attempts", ev.Attempts).
					Msg("event delivery failed")
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(ev)
	}
	wg.Wait()

	r.log.Debug().Int("claimed", len(batch)).Int("delivered", delivered).Msg("outbox batch processed")
	return delivered, nil
}

func (r *Relay) process(parent context.Context, ev models.LedgerEvent) error {
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	fail := func(stage string, err error) error {
		wrapped := fmt.Errorf("%s: %w", stage, err)
		if markErr := r.outbox.MarkEventStreamResult(parent, ev.ID, nil, false, wrapped.Error()); markErr != nil {
			r.log.Error().Err(markErr).Str("event_id", ev.ID.String()).Msg("mark event failure")
		}
		return wrapped
	}

	env, err := Seal(ctx, r.signer, ev)
	if err != nil {
		return fail("seal", err)
	}

	if r.producer != nil {
		if _, err := r.producer.Produce(ctx, []byte(ev.AggregateID), env.Bytes); err != nil {
			return fail("kafka produce", err)
		}
	}

	var archiveKey *string
	if r.archiver != nil {
		key, err := r.archiver.Archive(ctx, ev, env.Bytes)
		if err != nil {
			return fail("s3 archive", err)
		}
		archiveKey = &key
	}

	if err := r.outbox.MarkEventStreamResult(parent, ev.ID, archiveKey, true, ""); err != nil {
		return fmt.Errorf("mark event stream success: %w", err)
	}
	return nil
}
