// Package gateway is the client of the performance portal REST API. Every
// failure is decoded once into an *Error carrying a Kind.
package gateway

import (
	"context"

	"perfsync/domain"
)

// Records covers the per-domain endpoints used by the sync coordinator.
type Records interface {
	Apply(ctx context.Context, employeeID string, e domain.OutboxEntry) (domain.Record, error)
	ApplyBatch(ctx context.Context, employeeID string, d domain.Domain, entries []domain.OutboxEntry) (map[string]domain.Record, error)
	ListGoals(ctx context.Context, employeeID string) ([]domain.Record, error)
	Performance(ctx context.Context, employeeID string) (domain.PerformanceSnapshot, error)
	PIP(ctx context.Context, employeeID string) (domain.PIPRecord, error)
}

// Appraisals covers the self-appraisal endpoints used by the draft reconciler.
type Appraisals interface {
	// FindDraft returns the open draft of owner for period, or a KindNotFound
	// error when the server holds none.
	FindDraft(ctx context.Context, ownerID, period string) (domain.AppraisalDocument, error)
	GetAppraisal(ctx context.Context, id string) (domain.AppraisalDocument, error)
	CreateAppraisal(ctx context.Context, doc domain.AppraisalDocument, idempotencyKey string) (domain.AppraisalDocument, error)
	UpdateAppraisal(ctx context.Context, id string, doc domain.AppraisalDocument) (domain.AppraisalDocument, error)
	SubmitAppraisal(ctx context.Context, id string) error
}

// Gateway is the full API surface.
type Gateway interface {
	Records
	Appraisals
}

// BulkDomains lists the domains that expose a /sync endpoint.
var BulkDomains = map[domain.Domain]bool{
	domain.Goals:    true,
	domain.Queries:  true,
	domain.Feedback: true,
}
