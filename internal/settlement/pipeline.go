package settlement

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiliankoe/moltpit/internal/apperr"
	"github.com/kiliankoe/moltpit/internal/game"
)

var (
	ErrNotFound        = apperr.New(apperr.CodeSettlementNotFound, "settlement not found")
	ErrAlreadyAnchored = apperr.New(apperr.CodeSettlementAlreadyAnchored, "settlement already anchored")
	ErrInProgress      = apperr.New(apperr.CodeSettlementInProgress, "settlement still in progress")
)

// Policy bounds the retries of each settlement step.
type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

var DefaultPolicy = Policy{
	MaxTries:        5,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
	Multiplier:      2,
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	return b
}

// Store persists settlement records.
type Store interface {
	SaveSettlement(ctx context.Context, rec Record) error
	LoadSettlements(ctx context.Context) ([]Record, error)
}

// Observer is told about every status change.
type Observer func(rec Record)

// Pipeline settles completed sessions in the background. Settle only
// builds the record and queues it; Run's workers do the network work.
type Pipeline struct {
	collab     Collaborators
	policy     Policy
	workers    int
	store      Store
	exportFile string
	observers  []Observer
	log        zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	queue chan string
	done  chan struct{}

	mu      sync.RWMutex
	records map[string]*Record
}

type Option func(*Pipeline)

func WithPolicy(p Policy) Option { return func(pl *Pipeline) { pl.policy = p } }
func WithWorkers(n int) Option { return func(pl *Pipeline) { pl.workers = n } }
func WithStore(s Store) Option { return func(pl *Pipeline) { pl.store = s } }
func WithLogger(l zerolog.Logger) Option { return func(pl *Pipeline) { pl.log = l } }
func WithFailureExport(path string) Option {
	return func(pl *Pipeline) { pl.exportFile = path }
}
func WithObserver(o Observer) Option {
	return func(pl *Pipeline) { pl.observers = append(pl.observers, o) }
}

func NewPipeline(c Collaborators, opts ...Option) *Pipeline {
	p := &Pipeline{
		collab:  c,
		policy:  DefaultPolicy,
		workers: 4,
		log:     zerolog.Nop(),
		tracer:  otel.Tracer("github.com/kiliankoe/moltpit/internal/settlement"),
		now:     time.Now,
		queue:   make(chan string, 256),
		done:    make(chan struct{}),
		records: make(map[string]*Record),
	}
	for _, o := range opts {
		o(p)
	}
	if p.workers < 1 {
		p.workers = 1
	}
	return p
}

func (p *Pipeline) Mode() Mode { return p.collab.Mode }

// Settle builds and queues the record of a completed session. It never blocks
// on the network.
func (p *Pipeline) Settle(ctx context.Context, snap game.Snapshot) {
	rec, err := Build(snap, p.now().UTC())
	if err != nil {
		p.log.Error().Err(err).Str("session", snap.ID).Msg("build settlement record")
		return
	}
	p.mu.Lock()
	if existing := p.records[rec.SessionID]; existing != nil {
		p.mu.Unlock()
		p.log.Warn().Str("session", rec.SessionID).Msg("session already has a settlement record")
		return
	}
	p.records[rec.SessionID] = &rec
	p.mu.Unlock()

	p.changed(ctx, rec)
	p.enqueue(rec.SessionID)
}

// Retry re-submits a failed record. Records still owned by a worker are
// left alone.
func (p *Pipeline) Retry(ctx context.Context, sessionID string) (Record, error) {
	p.mu.Lock()
	rec := p.records[sessionID]
	if rec == nil {
		p.mu.Unlock()
		return Record{}, ErrNotFound
	}
	if rec.Status == StatusAnchored {
		out := *rec
		p.mu.Unlock()
		return out, ErrAlreadyAnchored
	}
	if rec.Status != StatusFailed {
		out := *rec
		p.mu.Unlock()
		return out, ErrInProgress
	}
	rec.Status = StatusPending
	rec.ContentID = ""
	rec.LastError = ""
	rec.UpdatedAt = p.now().UTC()
	out := *rec
	p.mu.Unlock()

	p.log.Info().Str("session", sessionID).Msg("settlement retry requested")
	p.changed(ctx, out)
	p.enqueue(sessionID)
	return out, nil
}

func (p *Pipeline) Status(sessionID string) (Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec := p.records[sessionID]
	if rec == nil {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (p *Pipeline) List() []Record {
	p.mu.RLock()
	out := make([]Record, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, *r)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Recover loads persisted records and queues the ones that were still in flight.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	if p.store == nil {
		return 0, nil
	}
	recs, err := p.store.LoadSettlements(ctx)
	if err != nil {
		return 0, err
	}
	var queued []string
	p.mu.Lock()
	for i := range recs {
		rec := recs[i]
		if p.records[rec.SessionID] != nil {
			continue
		}
		p.records[rec.SessionID] = &rec
		if rec.Status == StatusPending || rec.Status == StatusPinned {
			queued = append(queued, rec.SessionID)
		}
	}
	p.mu.Unlock()
	for _, id := range queued {
		p.enqueue(id)
	}
	p.log.Info().Int("records", len(recs)).Int("queued", len(queued)).Msg("settlements recovered")
	return len(queued), nil
}

// Run starts the workers and blocks until ctx is cancelled and they have
// stopped. In-flight records keep their last status.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info().Str("mode", string(p.collab.Mode)).Int("workers", p.workers).Msg("settlement pipeline started")
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-p.queue:
					p.process(ctx, id)
				}
			}
		}()
	}
	wg.Wait()
	close(p.done)
	return nil
}

func (p *Pipeline) enqueue(id string) {
	select {
	case p.queue <- id:
	default:
		p.log.Warn().Str("session", id).Msg("settlement queue full, deferring")
		go func() {
			select {
			case p.queue <- id:
			case <-p.done:
			}
		}()
	}
}

func (p *Pipeline) process(ctx context.Context, id string) {
	ctx, span := p.tracer.Start(ctx, "settlement.process", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	rec, err := p.Status(id)
	if err != nil || rec.Status == StatusAnchored || rec.Status == StatusFailed {
		return
	}
	content, err := rec.Canonical.Bytes()
	if err != nil {
		p.fail(ctx, span, id, "encode", err)
		return
	}

	if rec.ContentID == "" {
		cid, err := p.attempt(ctx, id, "settlement.pin", func(ctx context.Context) (string, error) {
			return p.collab.Pinner.Pin(ctx, content)
		})
		if err != nil {
			p.fail(ctx, span, id, "pin", err)
			return
		}
		rec = p.update(ctx, id, func(r *Record) {
			r.ContentID = cid
			r.Status = StatusPinned
			r.LastError = ""
		})
	}

	sub := rec.Submission()
	txRef, err := p.attempt(ctx, id, "settlement.anchor", func(ctx context.Context) (string, error) {
		return p.collab.Ledger.SubmitResult(ctx, sub)
	})
	if err != nil {
		p.fail(ctx, span, id, "anchor", err)
		return
	}
	p.update(ctx, id, func(r *Record) {
		r.TxRef = txRef
		r.Status = StatusAnchored
		r.LastError = ""
	})
	span.SetAttributes(attribute.String("settlement.tx_ref", txRef))
}

// attempt runs op under the retry policy, counting every try on the record.
func (p *Pipeline) attempt(ctx context.Context, id, name string, op func(context.Context) (string, error)) (string, error) {
	ctx, span := p.tracer.Start(ctx, name)
	defer span.End()

	out, err := backoff.Retry(ctx, func() (string, error) {
		p.update(ctx, id, func(r *Record) { r.Attempts++ })
		return op(ctx)
	},
		backoff.WithBackOff(p.policy.backOff()),
		backoff.WithMaxTries(p.policy.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.Warn().Err(err).Str("session", id).Str("step", name).Dur("retry_in", next).Msg("settlement step failed")
		}),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (p *Pipeline) fail(ctx context.Context, span trace.Span, id, step string, err error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// shutting down; Recover picks the record up again
		p.log.Info().Str("session", id).Str("step", step).Msg("settlement interrupted")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, step+" failed")
	rec := p.update(ctx, id, func(r *Record) {
		r.Status = StatusFailed
		r.LastError = step + ": " + err.Error()
	})
	if p.exportFile != "" {
		if err := ExportFailure(rec, p.exportFile); err != nil {
			p.log.Warn().Err(err).Str("session", id).Msg("export failed settlement")
		}
	}
}

// update mutates the stored record and reports status changes. An anchored
// record is final and is never touched again.
func (p *Pipeline) update(ctx context.Context, id string, fn func(*Record)) Record {
	p.mu.Lock()
	rec := p.records[id]
	before := rec.Status
	if before == StatusAnchored {
		out := *rec
		p.mu.Unlock()
		p.log.Warn().Str("session", id).Msg("ignoring update of anchored settlement")
		return out
	}
	fn(rec)
	rec.UpdatedAt = p.now().UTC()
	out := *rec
	p.mu.Unlock()

	if out.Status != before {
		p.changed(ctx, out)
	}
	return out
}

func (p *Pipeline) changed(ctx context.Context, rec Record) {
	ev := p.log.Info()
	if rec.Status == StatusFailed {
		ev = p.log.Error()
	}
	ev.Str("session", rec.SessionID).
		Str("status", string(rec.Status)).
		Str("cid", rec.ContentID).
		Str("tx", rec.TxRef).
		Int("attempts", rec.Attempts).
		Str("error", rec.LastError).
		Msg("settlement status")

	if p.store != nil {
		// persistence outlives a cancelled worker context
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := p.store.SaveSettlement(sctx, rec); err != nil {
			p.log.Warn().Err(err).Str("session", rec.SessionID).Msg("persist settlement")
		}
		cancel()
	}
	for _, o := range p.observers {
		o(rec)
	}
}
