// Package poller drives the event feed: it fetches batches, hands each event
// to the dispatcher in order and advances the cursor only past events that
// were handled or permanently rejected.
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"captcha-gatekeeper/apperrors"
	"captcha-gatekeeper/handlers"

	"github.com/rs/zerolog"
)

// Batch is one fetch result. LastID is the highest feed id seen, including
// updates that decoded to no event, so the cursor moves past them too.
type Batch struct {
	Events []handlers.Event
	LastID int
}

// Feed is a long-polling source of events starting at offset.
type Feed interface {
	Fetch(ctx context.Context, offset int, timeout time.Duration) (Batch, error)
}

type Dispatcher interface {
	HandleEvent(ctx context.Context, ev handlers.Event) error
}

// Checkpoint persists the cursor between restarts.
type Checkpoint interface {
	LoadOffset(ctx context.Context, feed string) (int, error)
	SaveOffset(ctx context.Context, feed string, offset int) error
}

type Options struct {
	// Name keys the checkpoint row.
	Name        string
	PollTimeout time.Duration
	RetryDelay  time.Duration
	// EventTimeout bounds one event. Shutdown does not cut an event short,
	// this deadline does.
	EventTimeout time.Duration
	// Checkpoint is optional.
	Checkpoint Checkpoint
}

type Poller struct {
	feed       Feed
	dispatcher Dispatcher
	checkpoint Checkpoint
	name       string
	timeout    time.Duration
	retryDelay time.Duration
	eventLimit time.Duration
	offset     atomic.Int64
	log        zerolog.Logger
}

func New(feed Feed, dispatcher Dispatcher, opts Options, log zerolog.Logger) *Poller {
	if opts.Name == "" {
		opts.Name = "telegram"
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 2 * time.Minute
	}
	return &Poller{
		feed:       feed,
		dispatcher: dispatcher,
		checkpoint: opts.Checkpoint,
		name:       opts.Name,
		timeout:    opts.PollTimeout,
		retryDelay: opts.RetryDelay,
		eventLimit: opts.EventTimeout,
		log:        log,
	}
}

// Offset is the next feed id to fetch.
func (p *Poller) Offset() int {
	return int(p.offset.Load())
}

// Run polls until ctx is cancelled. It returns nil on cancellation; the event
// in flight at that moment is completed first.
func (p *Poller) Run(ctx context.Context) error {
	if p.checkpoint != nil {
		off, err := p.checkpoint.LoadOffset(ctx, p.name)
		if err != nil {
			p.log.Warn().Err(err).Msg("Failed to load feed offset, starting from 0")
		} else {
			p.offset.Store(int64(off))
		}
	}
	p.log.Info().Int("offset", p.Offset()).Msg("Bot started polling for updates")

	for {
		if ctx.Err() != nil {
			p.log.Info().Int("offset", p.Offset()).Msg("Polling stopped")
			return nil
		}

		batch, err := p.feed.Fetch(ctx, p.Offset(), p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.log.Error().Err(err).Int("offset", p.Offset()).Msg("Failed to fetch updates")
			p.wait(ctx)
			continue
		}

		if !p.process(ctx, batch) {
			p.wait(ctx)
		}
	}
}

// process handles the batch in order. It returns false when an event failed
// transiently and the batch must be fetched again from that event.
func (p *Poller) process(ctx context.Context, batch Batch) bool {
	for i, ev := range batch.Events {
		if ctx.Err() != nil {
			return true
		}

		log := p.log.With().Int("event_id", ev.EventID()).Int64("chat_id", ev.Chat()).Logger()
		if err := p.dispatch(ctx, ev); err != nil {
			if apperrors.IsTransient(err) {
				log.Warn().Err(err).Msg("Event failed, will retry")
				return false
			}
			log.Error().Err(err).Msg("Event failed permanently, skipping")
		}

		// Events decoded from one update share its id; the cursor moves
		// once the whole update is done.
		if i+1 == len(batch.Events) || batch.Events[i+1].EventID() != ev.EventID() {
			p.advance(ctx, ev.EventID()+1)
		}
	}
	if ctx.Err() == nil && batch.LastID > 0 {
		p.advance(ctx, batch.LastID+1)
	}
	return true
}

// dispatch runs one event detached from shutdown so that its platform
// calls and store writes are not abandoned halfway.
func (p *Poller) dispatch(ctx context.Context, ev handlers.Event) error {
	evCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.eventLimit)
	defer cancel()
	return p.dispatcher.HandleEvent(evCtx, ev)
}

func (p *Poller) advance(ctx context.Context, next int) {
	if next <= p.Offset() {
		return
	}
	p.offset.Store(int64(next))
	if p.checkpoint == nil {
		return
	}
	// Saved even during shutdown so the finished event is not replayed.
	if err := p.checkpoint.SaveOffset(context.WithoutCancel(ctx), p.name, next); err != nil {
		p.log.Warn().Err(err).Int("offset", next).Msg("Failed to save feed offset")
	}
}

func (p *Poller) wait(ctx context.Context) {
	t := time.NewTimer(p.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
