package domain

import (
	"fmt"
	"strings"
	"time"
)

// DraftStatus is the lifecycle state of a self-appraisal.
type DraftStatus string

const (
	DraftOpen      DraftStatus = "draft"
	DraftSubmitted DraftStatus = "submitted"
)

// Rating scores one appraisal criterion.
type Rating struct {
	Criteria  string `json:"criteria"`
	Weightage int    `json:"weightage"`
	Score     int    `json:"score"`
}

func (r Rating) Validate() error {
	if strings.TrimSpace(r.Criteria) == "" {
		return invalid("criteria", "required")
	}
	if r.Weightage < 0 || r.Weightage > 100 {
		return invalid("weightage", "must be between 0 and 100")
	}
	if r.Score < 1 || r.Score > 5 {
		return invalid("score", "must be between 1 and 5")
	}
	return nil
}

// FeedbackCard is a free-text self-assessment entry.
type FeedbackCard struct {
	Feedback    string `json:"feedback"`
	Development string `json:"development,omitempty"`
	Strengths   string `json:"strengths,omitempty"`
	Score       int    `json:"score"`
}

func (c FeedbackCard) Validate() error {
	if strings.TrimSpace(c.Feedback) == "" {
		return invalid("feedback", "required")
	}
	if c.Score < 1 || c.Score > 5 {
		return invalid("score", "must be between 1 and 5")
	}
	return nil
}

// AppraisalDraft is the client-side self-appraisal aggregate.
//
// ServerID is a hint, not a fact: it may point at a document the server has
// since discarded and is re-verified before every update.
type AppraisalDraft struct {
	ServerID      string         `json:"serverId,omitempty"`
	ClientKey     string         `json:"clientKey"`
	OwnerID       string         `json:"ownerId"`
	Period        string         `json:"period"`
	Ratings       []Rating       `json:"ratings"`
	FeedbackCards []FeedbackCard `json:"feedbackCards"`
	Status        DraftStatus    `json:"status"`
	Revision      int64          `json:"revision"`
	SavedRevision int64          `json:"savedRevision"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Validate checks the owner, the period and every rating and card.
func (d *AppraisalDraft) Validate() error {
	if strings.TrimSpace(d.OwnerID) == "" {
		return invalid("ownerId", "required")
	}
	if strings.TrimSpace(d.Period) == "" {
		return invalid("period", "required")
	}
	for i, r := range d.Ratings {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("ratings[%d]: %w", i, err)
		}
	}
	for i, c := range d.FeedbackCards {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("feedbackCards[%d]: %w", i, err)
		}
	}
	return nil
}

// Dirty reports whether local edits have not reached the server yet.
func (d *AppraisalDraft) Dirty() bool {
	return d.Revision > d.SavedRevision
}

// Submitted reports whether the draft reached its terminal state.
func (d *AppraisalDraft) Submitted() bool {
	return d.Status == DraftSubmitted
}

// Clone returns a deep copy safe to hand to another goroutine.
func (d *AppraisalDraft) Clone() *AppraisalDraft {
	cp := *d
	cp.Ratings = append([]Rating(nil), d.Ratings...)
	cp.FeedbackCards = append([]FeedbackCard(nil), d.FeedbackCards...)
	return &cp
}

// Document converts the draft to the wire shape of the appraisal API.
func (d *AppraisalDraft) Document() AppraisalDocument {
	doc := AppraisalDocument{
		ID:            d.ServerID,
		EmployeeID:    d.OwnerID,
		Period:        d.Period,
		Ratings:       append([]Rating{}, d.Ratings...),
		FeedbackCards: append([]FeedbackCard{}, d.FeedbackCards...),
		Status:        d.Status,
	}
	if doc.Status == "" {
		doc.Status = DraftOpen
	}
	return doc
}

// AppraisalDocument is the server representation of a self-appraisal.
type AppraisalDocument struct {
	ID            string         `json:"id,omitempty"`
	EmployeeID    string         `json:"employeeId"`
	Period        string         `json:"period"`
	Ratings       []Rating       `json:"ratings"`
	FeedbackCards []FeedbackCard `json:"feedbackCards"`
	Status        DraftStatus    `json:"status"`
	UpdatedAt     time.Time      `json:"updatedAt,omitempty"`
}
