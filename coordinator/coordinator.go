// Package coordinator routes every mutation either straight to the API or
// into the outbox, keeps the local snapshots current and replays the outbox
// when connectivity returns.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"perfsync/domain"
	"perfsync/gateway"
	"perfsync/localcache"
	"perfsync/outbox"
)

const tracerName = "perfsync/coordinator"

var (
	// ErrSessionExpired is returned once the API rejected the credentials.
	// The session handler has already been told to end the session.
	ErrSessionExpired = errors.New("session expired")
	// ErrRecordGone reports a mutation of a record the server no longer has.
	ErrRecordGone = fmt.Errorf("%w: record no longer exists", domain.ErrInvalid)
	// ErrNoData is returned by reads when neither the API nor the cache can
	// answer.
	ErrNoData = errors.New("no data available")
)

// Status tells the caller whether a mutation already reached the server.
type Status string

const (
	StatusSaved   Status = "saved"
	StatusPending Status = "pending"
)

// Receipt is the outcome of a mutation. Record is the server's version when
// Status is StatusSaved and the optimistic local version otherwise.
type Receipt struct {
	Status Status
	Record domain.Record
}

// SessionHandler ends the user session after an authorization failure.
type SessionHandler interface {
	Terminate(ctx context.Context, reason error)
}

// SessionFunc adapts a function to SessionHandler.
type SessionFunc func(ctx context.Context, reason error)

func (f SessionFunc) Terminate(ctx context.Context, reason error) { f(ctx, reason) }

// Participant is flushed at the end of every sync run.
type Participant interface {
	Flush(ctx context.Context) error
}

// Config carries the identity and retry policy of a coordinator.
type Config struct {
	EmployeeID string
	// BulkReplay sends whole domain batches to the /sync endpoints when the
	// domain has one.
	BulkReplay bool
	// RetryInitial and RetryMax bound the automatic retry backoff.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// RetryLimit caps consecutive failed automatic runs. Zero retries until a
	// run succeeds.
	RetryLimit int
	// SyncTimeout bounds one sync run. Zero uses defaultSyncTimeout.
	SyncTimeout time.Duration
}

const defaultSyncTimeout = 2 * time.Minute

// Options holds optional collaborators.
type Options struct {
	Session SessionHandler
	Mode    *ModeState
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Coordinator is the single entry point for data mutations and reads.
type Coordinator struct {
	cfg     Config
	gw      gateway.Records
	queue   *outbox.Queue
	cache   localcache.Cache
	ids     *idMap
	mode    *ModeState
	session SessionHandler
	logger  *log.Logger
	tracer  trace.Tracer
	now     func() time.Time

	snapMu sync.Mutex

	partMu       sync.RWMutex
	participants []Participant

	flight singleflight.Group

	kickNow   chan struct{}
	kickLater chan struct{}
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func New(ctx context.Context, cfg Config, gw gateway.Records, queue *outbox.Queue, cache localcache.Cache, logger *log.Logger, opts Options) (*Coordinator, error) {
	if gw == nil {
		panic("gateway is required")
	}
	if queue == nil {
		panic("queue is required")
	}
	if cache == nil {
		panic("cache is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if cfg.EmployeeID == "" {
		return nil, errors.New("coordinator: employee id is required")
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 2 * time.Second
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = 30 * cfg.RetryInitial
	}
	ids, err := loadIDMap(ctx, cache)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:       cfg,
		gw:        gw,
		queue:     queue,
		cache:     cache,
		ids:       ids,
		mode:      opts.Mode,
		session:   opts.Session,
		logger:    logger,
		tracer:    opts.Tracer,
		now:       opts.Now,
		kickNow:   make(chan struct{}, 1),
		kickLater: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	if c.mode == nil {
		c.mode = NewModeState(domain.Online)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c, nil
}

// ModeState exposes the connectivity belief for observation.
func (c *Coordinator) ModeState() *ModeState { return c.mode }

func (c *Coordinator) Mode() domain.Mode { return c.mode.Mode() }

// Queue returns the outbox the coordinator replays.
func (c *Coordinator) Queue() *outbox.Queue { return c.queue }

// RegisterParticipant adds p to the end of every sync run.
func (c *Coordinator) RegisterParticipant(p Participant) {
	c.partMu.Lock()
	defer c.partMu.Unlock()
	c.participants = append(c.participants, p)
}

// ReportSuccess tells the coordinator that some API call just succeeded.
// While offline this triggers an automatic sync.
func (c *Coordinator) ReportSuccess() {
	if !c.mode.Online() {
		signal(c.kickNow)
	}
}

// ReportFailure tells the coordinator that an API call failed. Only
// connectivity failures change the mode.
func (c *Coordinator) ReportFailure(err error) {
	if gateway.IsUnreachable(err) {
		c.goOffline(err)
	}
}

// ExpireSession ends the session on behalf of another component and returns
// the error that component should surface.
func (c *Coordinator) ExpireSession(ctx context.Context, cause error) error {
	return c.expire(ctx, cause)
}

func (c *Coordinator) CreateGoal(ctx context.Context, g domain.Goal) (Receipt, error) {
	if err := g.Validate(); err != nil {
		return Receipt{}, err
	}
	return c.mutateWith(ctx, domain.Goals, domain.OpCreate, domain.NewTempID(), g)
}

func (c *Coordinator) UpdateGoal(ctx context.Context, id string, g domain.Goal) (Receipt, error) {
	if err := requireID(id); err != nil {
		return Receipt{}, err
	}
	if err := g.Validate(); err != nil {
		return Receipt{}, err
	}
	return c.mutateWith(ctx, domain.Goals, domain.OpUpdate, id, g)
}

func (c *Coordinator) DeleteGoal(ctx context.Context, id string) (Receipt, error) {
	if err := requireID(id); err != nil {
		return Receipt{}, err
	}
	return c.mutateWith(ctx, domain.Goals, domain.OpDelete, id, nil)
}

func (c *Coordinator) ToggleGoal(ctx context.Context, id string) (Receipt, error) {
	if err := requireID(id); err != nil {
		return Receipt{}, err
	}
	return c.mutateWith(ctx, domain.Goals, domain.OpToggle, id, nil)
}

func (c *Coordinator) SubmitQuery(ctx context.Context, q domain.Query) (Receipt, error) {
	if err := q.Validate(); err != nil {
		return Receipt{}, err
	}
	return c.mutateWith(ctx, domain.Queries, domain.OpCreate, domain.NewTempID(), q)
}

func (c *Coordinator) SubmitFeedback(ctx context.Context, f domain.FeedbackItem) (Receipt, error) {
	if err := f.Validate(); err != nil {
		return Receipt{}, err
	}
	return c.mutateWith(ctx, domain.Feedback, domain.OpCreate, domain.NewTempID(), f)
}

func (c *Coordinator) UpdatePhone(ctx context.Context, phone string) (Receipt, error) {
	info := domain.ContactInfo{Phone: phone}
	if err := info.Validate(); err != nil {
		return Receipt{}, err
	}
	return c.mutateWith(ctx, domain.Contact, domain.OpUpdate, c.cfg.EmployeeID, info)
}

func requireID(id string) error {
	if id == "" {
		return &domain.ValidationError{Field: "id", Reason: "required"}
	}
	return nil
}

func (c *Coordinator) mutateWith(ctx context.Context, d domain.Domain, op domain.Operation, recordID string, payload any) (Receipt, error) {
	e := domain.OutboxEntry{
		ID:        uuid.NewString(),
		Operation: op,
		Domain:    d,
		RecordID:  recordID,
	}
	if payload != nil {
		raw, err := sonic.Marshal(payload)
		if err != nil {
			return Receipt{}, fmt.Errorf("encode %s payload: %w", d, err)
		}
		e.Payload = raw
	}
	return c.mutate(ctx, e)
}

// mutate sends e to the API when online and nothing of its domain is still
// queued; otherwise e joins the outbox behind the earlier entries.
func (c *Coordinator) mutate(ctx context.Context, e domain.OutboxEntry) (Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.mutate", trace.WithAttributes(
		attribute.String("sync.domain", string(e.Domain)),
		attribute.String("sync.operation", string(e.Operation)),
	))
	defer span.End()

	if c.mode.Online() && c.queue.IsEmpty(e.Domain) {
		receipt, queue, err := c.applyOnline(ctx, e)
		if !queue {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetAttributes(attribute.String("sync.status", string(receipt.Status)))
			}
			return receipt, err
		}
	}

	receipt, err := c.enqueue(ctx, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return receipt, err
	}
	span.SetAttributes(attribute.String("sync.status", string(receipt.Status)))
	return receipt, nil
}

// applyOnline reports queue=true when the entry should fall back to the
// outbox instead.
func (c *Coordinator) applyOnline(ctx context.Context, e domain.OutboxEntry) (Receipt, bool, error) {
	resolved := c.resolve(e)
	if resolved.Operation != domain.OpCreate && domain.IsTempID(resolved.RecordID) {
		// the create this refers to was never confirmed
		c.evict(ctx, e.Domain, e.RecordID)
		return Receipt{}, false, ErrRecordGone
	}

	rec, err := c.gw.Apply(ctx, c.cfg.EmployeeID, resolved)
	switch {
	case err == nil:
		rec = c.confirm(ctx, e, rec)
		return Receipt{Status: StatusSaved, Record: rec}, false, nil
	case gateway.IsUnauthorized(err):
		return Receipt{}, false, c.expire(ctx, err)
	case gateway.IsRejected(err):
		return Receipt{}, false, rejected(err)
	case gateway.IsNotFound(err):
		if e.Operation == domain.OpDelete {
			c.confirm(ctx, e, domain.Record{})
			return Receipt{Status: StatusSaved}, false, nil
		}
		c.evict(ctx, e.Domain, resolved.RecordID)
		return Receipt{}, false, ErrRecordGone
	default:
		c.goOffline(err)
		return Receipt{}, true, nil
	}
}

func (c *Coordinator) enqueue(ctx context.Context, e domain.OutboxEntry) (Receipt, error) {
	queued, err := c.queue.Enqueue(ctx, e)
	if err != nil {
		return Receipt{}, err
	}
	rec := optimisticRecord(queued, c.now())
	list, err := c.updateSnapshot(ctx, queued.Domain, func(list []domain.Record) []domain.Record {
		return applyEntry(list, queued, c.ids.Resolve)
	})
	if err != nil {
		c.logger.WithError(err).WithField("domain", queued.Domain).Error("snapshot update failed")
	}
	if idx := findRecord(list, queued.RecordID, c.ids.Resolve); idx >= 0 {
		rec = list[idx]
	}
	if c.mode.Online() {
		signal(c.kickNow)
	} else {
		signal(c.kickLater)
	}
	return Receipt{Status: StatusPending, Record: rec}, nil
}

// confirm records the server's answer to e in the id map and the snapshot.
func (c *Coordinator) confirm(ctx context.Context, e domain.OutboxEntry, rec domain.Record) domain.Record {
	if e.Operation == domain.OpCreate && domain.IsTempID(e.RecordID) && rec.ID != "" {
		if err := c.ids.Put(ctx, e.RecordID, rec.ID); err != nil {
			c.logger.WithError(err).WithField("temp_id", e.RecordID).Error("id map persist failed")
		}
	}
	if rec.Status == "" {
		rec.Status = domain.RecordConfirmed
	}
	// entries still queued for the same record keep their local effect
	var later []domain.OutboxEntry
	for _, p := range c.queue.Pending(e.Domain) {
		if p.ID != e.ID && p.Seq > e.Seq && sameRecord(p.RecordID, e.RecordID, c.ids.Resolve) {
			later = append(later, c.resolve(p))
		}
	}
	if _, err := c.updateSnapshot(ctx, e.Domain, func(list []domain.Record) []domain.Record {
		list = applyConfirmed(list, e, rec, c.ids.Resolve)
		for _, p := range later {
			list = applyEntry(list, p, c.ids.Resolve)
		}
		return list
	}); err != nil {
		c.logger.WithError(err).WithField("domain", e.Domain).Error("snapshot update failed")
	}
	return rec
}

func (c *Coordinator) evict(ctx context.Context, d domain.Domain, id string) {
	if _, err := c.updateSnapshot(ctx, d, func(list []domain.Record) []domain.Record {
		return removeRecord(list, id, c.ids.Resolve)
	}); err != nil {
		c.logger.WithError(err).WithField("domain", d).Error("snapshot update failed")
	}
}

func (c *Coordinator) resolve(e domain.OutboxEntry) domain.OutboxEntry {
	if e.RecordID != "" && e.Operation != domain.OpCreate {
		e.RecordID = c.ids.Resolve(e.RecordID)
	}
	return e
}

func (c *Coordinator) expire(ctx context.Context, cause error) error {
	c.logger.WithError(cause).Warn("session rejected by api")
	if c.session != nil {
		c.session.Terminate(ctx, cause)
	}
	return fmt.Errorf("%w: %v", ErrSessionExpired, cause)
}

func (c *Coordinator) goOffline(cause error) {
	if c.mode.set(domain.Offline) {
		entry := c.logger.WithField("mode", domain.Offline)
		if cause != nil {
			entry = entry.WithError(cause)
		}
		entry.Warn("switching to offline mode")
		signal(c.kickLater)
	}
}

func (c *Coordinator) goOnline() {
	if c.mode.set(domain.Online) {
		c.logger.WithField("mode", domain.Online).Info("connectivity restored, switching to online mode")
	}
}

func rejected(err error) error {
	var gerr *gateway.Error
	if errors.As(err, &gerr) && gerr.Message != "" {
		return fmt.Errorf("%w: %s", domain.ErrInvalid, gerr.Message)
	}
	return fmt.Errorf("%w: %v", domain.ErrInvalid, err)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
