// Package draft keeps the self-appraisal draft in step with the server while
// guaranteeing at most one server document per owner and period.
package draft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"perfsync/debounce"
	"perfsync/domain"
	"perfsync/gateway"
	"perfsync/localcache"
)

const tracerName = "perfsync/draft"

// Outcome is what a save or submit achieved.
type Outcome string

const (
	// SaveConfirmed means the server holds the draft content that was sent.
	SaveConfirmed Outcome = "saved"
	// SaveDeferred means the content is kept locally and will be sent later.
	SaveDeferred Outcome = "deferred"
	// Submitted means the draft reached its terminal state on the server.
	Submitted Outcome = "submitted"
)

// DeferredError carries the reason a save was deferred.
type DeferredError struct {
	Cause error
}

func (e *DeferredError) Error() string {
	return "draft save deferred: " + e.Cause.Error()
}

func (e *DeferredError) Unwrap() error { return e.Cause }

// Connectivity receives the outcome of every API call the reconciler makes.
type Connectivity interface {
	ReportSuccess()
	ReportFailure(err error)
	// ExpireSession ends the session and returns the error to surface.
	ExpireSession(ctx context.Context, cause error) error
}

// Config tunes the reconciler.
type Config struct {
	// Debounce is the quiet period after an edit before the draft is saved.
	// Zero disables automatic saves.
	Debounce time.Duration
	// SaveTimeout bounds a debounced save.
	SaveTimeout time.Duration
}

type ref struct {
	Owner  string `json:"owner"`
	Period string `json:"period"`
}

type slot struct {
	// saveMu serializes the check/update sequence; stateMu guards draft.
	saveMu  sync.Mutex
	stateMu sync.Mutex
	draft   *domain.AppraisalDraft
}

// Reconciler owns the local drafts and their server counterparts.
type Reconciler struct {
	gw        gateway.Appraisals
	cache     localcache.Cache
	debouncer *debounce.Debouncer
	conn      Connectivity
	logger    *log.Logger
	tracer    trace.Tracer
	cfg       Config
	now       func() time.Time

	mu      sync.Mutex
	slots   map[ref]*slot
	index   map[ref]struct{}
	retired map[string]struct{}
}

func New(ctx context.Context, gw gateway.Appraisals, cache localcache.Cache, debouncer *debounce.Debouncer, conn Connectivity, logger *log.Logger, cfg Config) (*Reconciler, error) {
	if gw == nil {
		panic("gateway is required")
	}
	if cache == nil {
		panic("cache is required")
	}
	if debouncer == nil {
		panic("debouncer is required")
	}
	if conn == nil {
		panic("connectivity reporter is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 30 * time.Second
	}

	refs, _, err := localcache.Load[[]ref](ctx, cache, localcache.DraftIndexKey)
	if err != nil {
		return nil, fmt.Errorf("load draft index: %w", err)
	}
	retired, _, err := localcache.Load[[]string](ctx, cache, localcache.RetiredDrafts)
	if err != nil {
		return nil, fmt.Errorf("load retired drafts: %w", err)
	}

	r := &Reconciler{
		gw:        gw,
		cache:     cache,
		debouncer: debouncer,
		conn:      conn,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		slots:     make(map[ref]*slot),
		index:     make(map[ref]struct{}, len(refs)),
		retired:   make(map[string]struct{}, len(retired)),
	}
	for _, k := range refs {
		r.index[k] = struct{}{}
	}
	for _, id := range retired {
		r.retired[id] = struct{}{}
	}
	return r, nil
}

func debounceKey(k ref) string {
	return "draft:" + k.Owner + ":" + k.Period
}

func (r *Reconciler) slot(k ref) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[k]
	if !ok {
		s = &slot{}
		r.slots[k] = s
	}
	return s
}

func (r *Reconciler) isRetired(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.retired[id]
	return ok
}

func (r *Reconciler) retire(ctx context.Context, id string) {
	r.mu.Lock()
	r.retired[id] = struct{}{}
	ids := make([]string, 0, len(r.retired))
	for rid := range r.retired {
		ids = append(ids, rid)
	}
	r.mu.Unlock()
	if err := localcache.Store(ctx, r.cache, localcache.RetiredDrafts, ids); err != nil {
		r.logger.WithError(err).WithField("server_id", id).Error("retired draft persist failed")
	}
}

func (r *Reconciler) track(ctx context.Context, k ref, add bool) {
	r.mu.Lock()
	_, present := r.index[k]
	if present == add {
		r.mu.Unlock()
		return
	}
	if add {
		r.index[k] = struct{}{}
	} else {
		delete(r.index, k)
	}
	refs := make([]ref, 0, len(r.index))
	for k := range r.index {
		refs = append(refs, k)
	}
	r.mu.Unlock()
	if err := localcache.Store(ctx, r.cache, localcache.DraftIndexKey, refs); err != nil {
		r.logger.WithError(err).Error("draft index persist failed")
	}
}

func (r *Reconciler) tracked() []ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ref, 0, len(r.index))
	for k := range r.index {
		out = append(out, k)
	}
	return out
}

// loadLocked returns the draft held for k, reading the cache when needed.
// With adopt set, a missing draft is taken over from the server or started
// fresh. Callers hold s.stateMu.
func (r *Reconciler) loadLocked(ctx context.Context, s *slot, k ref, adopt bool) (*domain.AppraisalDraft, error) {
	if s.draft != nil {
		return s.draft, nil
	}
	d, ok, err := localcache.Load[*domain.AppraisalDraft](ctx, r.cache, localcache.DraftKey(k.Owner, k.Period))
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}
	if ok && d != nil {
		s.draft = d
		return d, nil
	}
	if !adopt {
		return nil, nil
	}

	d = &domain.AppraisalDraft{
		ClientKey:     uuid.NewString(),
		OwnerID:       k.Owner,
		Period:        k.Period,
		Ratings:       []domain.Rating{},
		FeedbackCards: []domain.FeedbackCard{},
		Status:        domain.DraftOpen,
		UpdatedAt:     r.now(),
	}
	doc, err := r.gw.FindDraft(ctx, k.Owner, k.Period)
	switch {
	case err == nil && !r.isRetired(doc.ID):
		r.conn.ReportSuccess()
		d.ServerID = doc.ID
		d.Ratings = append(d.Ratings, doc.Ratings...)
		d.FeedbackCards = append(d.FeedbackCards, doc.FeedbackCards...)
		r.logger.WithFields(log.Fields{"owner": k.Owner, "period": k.Period, "server_id": doc.ID}).Info("adopted server draft")
	case err == nil, gateway.IsNotFound(err):
		r.conn.ReportSuccess()
	case gateway.IsUnauthorized(err):
		return nil, r.conn.ExpireSession(ctx, err)
	case gateway.IsUnreachable(err):
		r.conn.ReportFailure(err)
	default:
		r.logger.WithError(err).WithFields(log.Fields{"owner": k.Owner, "period": k.Period}).Warn("draft lookup failed, starting fresh")
	}
	if err := r.storeLocked(ctx, s, k, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *Reconciler) storeLocked(ctx context.Context, s *slot, k ref, d *domain.AppraisalDraft) error {
	if err := localcache.Store(ctx, r.cache, localcache.DraftKey(k.Owner, k.Period), d); err != nil {
		return fmt.Errorf("store draft: %w", err)
	}
	s.draft = d
	r.track(ctx, k, true)
	return nil
}

// Draft returns the current draft of owner for period.
func (r *Reconciler) Draft(ctx context.Context, owner, period string) (*domain.AppraisalDraft, error) {
	k := ref{Owner: owner, Period: period}
	if err := validRef(k); err != nil {
		return nil, err
	}
	s := r.slot(k)
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	d, err := r.loadLocked(ctx, s, k, true)
	if err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// Edit applies fn to a copy of the draft, validates and stores the result and
// schedules a save.
func (r *Reconciler) Edit(ctx context.Context, owner, period string, fn func(*domain.AppraisalDraft) error) (*domain.AppraisalDraft, error) {
	k := ref{Owner: owner, Period: period}
	if err := validRef(k); err != nil {
		return nil, err
	}
	s := r.slot(k)
	s.stateMu.Lock()
	cur, err := r.loadLocked(ctx, s, k, true)
	if err != nil {
		s.stateMu.Unlock()
		return nil, err
	}
	work := cur.Clone()
	if err := fn(work); err != nil {
		s.stateMu.Unlock()
		return nil, err
	}
	if err := work.Validate(); err != nil {
		s.stateMu.Unlock()
		return nil, err
	}
	work.Revision = cur.Revision + 1
	work.UpdatedAt = r.now()
	if err := r.storeLocked(ctx, s, k, work); err != nil {
		s.stateMu.Unlock()
		return nil, err
	}
	out := work.Clone()
	s.stateMu.Unlock()

	r.scheduleSave(k)
	return out, nil
}

func (r *Reconciler) scheduleSave(k ref) {
	if r.cfg.Debounce <= 0 {
		return
	}
	r.debouncer.Schedule(debounceKey(k), func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SaveTimeout)
		defer cancel()
		_, err := r.save(ctx, k, false)
		entry := r.logger.WithError(err).WithFields(log.Fields{"owner": k.Owner, "period": k.Period})
		var deferred *DeferredError
		switch {
		case err == nil:
		case errors.As(err, &deferred):
			entry.Debug("debounced draft save deferred")
		default:
			entry.Warn("debounced draft save failed")
		}
	}, r.cfg.Debounce)
}

func (r *Reconciler) AddRating(ctx context.Context, owner, period string, rating domain.Rating) (*domain.AppraisalDraft, error) {
	return r.Edit(ctx, owner, period, func(d *domain.AppraisalDraft) error {
		d.Ratings = append(d.Ratings, rating)
		return nil
	})
}

func (r *Reconciler) UpdateRating(ctx context.Context, owner, period string, index int, rating domain.Rating) (*domain.AppraisalDraft, error) {
	return r.Edit(ctx, owner, period, func(d *domain.AppraisalDraft) error {
		if err := checkIndex("ratings", index, len(d.Ratings)); err != nil {
			return err
		}
		d.Ratings[index] = rating
		return nil
	})
}

func (r *Reconciler) RemoveRating(ctx context.Context, owner, period string, index int) (*domain.AppraisalDraft, error) {
	return r.Edit(ctx, owner, period, func(d *domain.AppraisalDraft) error {
		if err := checkIndex("ratings", index, len(d.Ratings)); err != nil {
			return err
		}
		d.Ratings = append(d.Ratings[:index], d.Ratings[index+1:]...)
		return nil
	})
}

func (r *Reconciler) AddFeedbackCard(ctx context.Context, owner, period string, card domain.FeedbackCard) (*domain.AppraisalDraft, error) {
	return r.Edit(ctx, owner, period, func(d *domain.AppraisalDraft) error {
		d.FeedbackCards = append(d.FeedbackCards, card)
		return nil
	})
}

func (r *Reconciler) UpdateFeedbackCard(ctx context.Context, owner, period string, index int, card domain.FeedbackCard) (*domain.AppraisalDraft, error) {
	return r.Edit(ctx, owner, period, func(d *domain.AppraisalDraft) error {
		if err := checkIndex("feedbackCards", index, len(d.FeedbackCards)); err != nil {
			return err
		}
		d.FeedbackCards[index] = card
		return nil
	})
}

func (r *Reconciler) RemoveFeedbackCard(ctx context.Context, owner, period string, index int) (*domain.AppraisalDraft, error) {
	return r.Edit(ctx, owner, period, func(d *domain.AppraisalDraft) error {
		if err := checkIndex("feedbackCards", index, len(d.FeedbackCards)); err != nil {
			return err
		}
		d.FeedbackCards = append(d.FeedbackCards[:index], d.FeedbackCards[index+1:]...)
		return nil
	})
}

func checkIndex(field string, index, n int) error {
	if index < 0 || index >= n {
		return &domain.ValidationError{Field: fmt.Sprintf("%s[%d]", field, index), Reason: "out of range"}
	}
	return nil
}

func validRef(k ref) error {
	if k.Owner == "" {
		return &domain.ValidationError{Field: "ownerId", Reason: "required"}
	}
	if k.Period == "" {
		return &domain.ValidationError{Field: "period", Reason: "required"}
	}
	return nil
}
