package draft

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"perfsync/domain"
	"perfsync/gateway"
	"perfsync/localcache"
)

// maxPasses bounds the check/act sequence: an UPDATE that hits a vanished
// document clears the id and starts over once.
const maxPasses = 2

var errKeptVanishing = errors.New("server draft vanished twice during one save")

// Save sends the current draft content to the server, creating the server
// document when no live one is known.
func (r *Reconciler) Save(ctx context.Context, owner, period string) (Outcome, error) {
	ctx, span := r.startSpan(ctx, "draft.save", owner, period)
	defer span.End()

	k := ref{Owner: owner, Period: period}
	if err := validRef(k); err != nil {
		return endSpan(span, "", err)
	}
	r.debouncer.Cancel(debounceKey(k))
	out, err := r.save(ctx, k, true)
	return endSpan(span, out, err)
}

// Submit saves pending edits and marks the server draft submitted. Local
// state for the period is cleared once the server acknowledges.
func (r *Reconciler) Submit(ctx context.Context, owner, period string) (Outcome, error) {
	ctx, span := r.startSpan(ctx, "draft.submit", owner, period)
	defer span.End()

	k := ref{Owner: owner, Period: period}
	if err := validRef(k); err != nil {
		return endSpan(span, "", err)
	}
	r.debouncer.Cancel(debounceKey(k))

	s := r.slot(k)
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	for attempt := 0; attempt < maxPasses; attempt++ {
		out, err := r.saveLocked(ctx, s, k, true)
		if err != nil || out == Submitted {
			return endSpan(span, out, err)
		}
		id := r.serverID(s)
		err = r.gw.SubmitAppraisal(ctx, id)
		if err == nil {
			r.conn.ReportSuccess()
			r.finishSubmit(ctx, s, k, id)
			return endSpan(span, Submitted, nil)
		}
		if !gateway.IsNotFound(err) {
			out, err = r.failed(ctx, err)
			return endSpan(span, out, err)
		}
		r.logger.WithFields(log.Fields{"owner": owner, "period": period, "server_id": id}).Warn("draft vanished before submission, saving again")
		r.forget(ctx, s, k)
	}
	return endSpan(span, SaveDeferred, &DeferredError{Cause: errKeptVanishing})
}

// Flush saves every draft with unsent edits.
func (r *Reconciler) Flush(ctx context.Context) error {
	var errs []error
	for _, k := range r.tracked() {
		r.debouncer.Cancel(debounceKey(k))
		if _, err := r.save(ctx, k, false); err != nil {
			errs = append(errs, fmt.Errorf("draft %s/%s: %w", k.Owner, k.Period, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) save(ctx context.Context, k ref, adopt bool) (Outcome, error) {
	if err := validRef(k); err != nil {
		return "", err
	}
	s := r.slot(k)
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return r.saveLocked(ctx, s, k, adopt)
}

// saveLocked runs the check/act sequence. Callers hold s.saveMu. A deferral
// is reported as a *DeferredError.
func (r *Reconciler) saveLocked(ctx context.Context, s *slot, k ref, adopt bool) (Outcome, error) {
	s.stateMu.Lock()
	cur, err := r.loadLocked(ctx, s, k, adopt)
	if err != nil {
		s.stateMu.Unlock()
		return "", err
	}
	if cur == nil {
		s.stateMu.Unlock()
		return SaveConfirmed, nil
	}
	if cur.Submitted() {
		s.stateMu.Unlock()
		return Submitted, nil
	}
	if !cur.Dirty() && (cur.ServerID != "" || !adopt) {
		s.stateMu.Unlock()
		return SaveConfirmed, nil
	}
	snap := cur.Clone()
	s.stateMu.Unlock()

	fields := log.Fields{"owner": k.Owner, "period": k.Period}
	for pass := 0; pass < maxPasses; pass++ {
		id, err := r.resolve(ctx, s, k, snap)
		if err != nil {
			return r.failed(ctx, err)
		}

		var doc domain.AppraisalDocument
		if id == "" {
			doc, err = r.gw.CreateAppraisal(ctx, snap.Document(), snap.ClientKey)
		} else {
			body := snap.Document()
			body.ID = id
			doc, err = r.gw.UpdateAppraisal(ctx, id, body)
			if gateway.IsNotFound(err) {
				r.logger.WithFields(fields).WithField("server_id", id).Warn("draft vanished during update")
				r.forget(ctx, s, k)
				snap.ServerID = ""
				snap.ClientKey = r.clientKey(s, snap.ClientKey)
				continue
			}
		}
		if err != nil {
			return r.failed(ctx, err)
		}
		if doc.ID == "" {
			doc.ID = id
		}
		r.conn.ReportSuccess()
		r.commit(ctx, s, k, snap, doc.ID)
		r.logger.WithFields(fields).WithFields(log.Fields{
			"server_id": doc.ID,
			"revision":  snap.Revision,
			"created":   id == "",
		}).Debug("draft saved")
		return SaveConfirmed, nil
	}
	r.logger.WithFields(fields).Warn("draft save deferred after repeated vanishing")
	return SaveDeferred, &DeferredError{Cause: errKeptVanishing}
}

// resolve returns the server id to update, or "" when a create is needed.
// A held id is re-verified rather than trusted.
func (r *Reconciler) resolve(ctx context.Context, s *slot, k ref, snap *domain.AppraisalDraft) (string, error) {
	if id := snap.ServerID; id != "" && !r.isRetired(id) {
		doc, err := r.gw.GetAppraisal(ctx, id)
		switch {
		case err == nil && doc.Status != domain.DraftSubmitted:
			return id, nil
		case err == nil:
			r.logger.WithField("server_id", id).Info("held draft was submitted elsewhere")
			r.retire(ctx, id)
		case gateway.IsNotFound(err):
			r.logger.WithField("server_id", id).Info("held draft no longer exists")
		default:
			return "", err
		}
		r.forget(ctx, s, k)
		snap.ServerID = ""
		snap.ClientKey = r.clientKey(s, snap.ClientKey)
	}

	doc, err := r.gw.FindDraft(ctx, k.Owner, k.Period)
	switch {
	case err == nil && !r.isRetired(doc.ID):
		return doc.ID, nil
	case err == nil, gateway.IsNotFound(err):
		return "", nil
	default:
		return "", err
	}
}

// forget drops the held server id, marks every edit unsent and rotates the
// client key so a later create cannot be answered with the forgotten document.
func (r *Reconciler) forget(ctx context.Context, s *slot, k ref) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.draft == nil {
		return
	}
	d := s.draft.Clone()
	d.ServerID = ""
	d.ClientKey = uuid.NewString()
	d.SavedRevision = 0
	if err := r.storeLocked(ctx, s, k, d); err != nil {
		r.logger.WithError(err).Error("draft persist failed")
	}
}

func (r *Reconciler) clientKey(s *slot, fallback string) string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.draft == nil {
		return fallback
	}
	return s.draft.ClientKey
}

func (r *Reconciler) serverID(s *slot) string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.draft == nil {
		return ""
	}
	return s.draft.ServerID
}

// commit records that the server holds snap under id. Edits made while the
// request was in flight stay dirty.
func (r *Reconciler) commit(ctx context.Context, s *slot, k ref, snap *domain.AppraisalDraft, id string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	d := snap
	if s.draft != nil {
		d = s.draft
	}
	d = d.Clone()
	d.ServerID = id
	if snap.Revision > d.SavedRevision {
		d.SavedRevision = snap.Revision
	}
	if err := r.storeLocked(ctx, s, k, d); err != nil {
		r.logger.WithError(err).Error("draft persist failed")
	}
}

func (r *Reconciler) finishSubmit(ctx context.Context, s *slot, k ref, id string) {
	r.retire(ctx, id)
	s.stateMu.Lock()
	s.draft = nil
	s.stateMu.Unlock()
	if err := r.cache.Remove(ctx, localcache.DraftKey(k.Owner, k.Period)); err != nil {
		r.logger.WithError(err).Error("draft removal failed")
	}
	r.track(ctx, k, false)
	r.logger.WithFields(log.Fields{"owner": k.Owner, "period": k.Period, "server_id": id}).Info("draft submitted")
}

func (r *Reconciler) failed(ctx context.Context, err error) (Outcome, error) {
	switch {
	case gateway.IsUnreachable(err):
		r.conn.ReportFailure(err)
		return SaveDeferred, &DeferredError{Cause: err}
	case gateway.IsUnauthorized(err):
		return "", r.conn.ExpireSession(ctx, err)
	case gateway.IsRejected(err):
		var gerr *gateway.Error
		if errors.As(err, &gerr) && gerr.Message != "" {
			return "", fmt.Errorf("%w: %s", domain.ErrInvalid, gerr.Message)
		}
		return "", fmt.Errorf("%w: %v", domain.ErrInvalid, err)
	default:
		return "", err
	}
}

func (r *Reconciler) startSpan(ctx context.Context, name, owner, period string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("draft.owner", owner),
		attribute.String("draft.period", period),
	))
}

// endSpan records the outcome on span. A deferral is not an error for the
// caller.
func endSpan(span trace.Span, out Outcome, err error) (Outcome, error) {
	var deferred *DeferredError
	if errors.As(err, &deferred) {
		span.SetAttributes(attribute.String("draft.defer_cause", deferred.Cause.Error()))
		out, err = SaveDeferred, nil
	}
	if out != "" {
		span.SetAttributes(attribute.String("draft.outcome", string(out)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}
