package domain

import (
	"errors"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
)

func TestTempIDRoundTrip(t *testing.T) {
	id := NewTempID()
	if !IsTempID(id) {
		t.Fatalf("expected %q to be a temp id", id)
	}
	if IsTempID("goal-42") {
		t.Fatalf("server id must not be treated as temp id")
	}
	if NewTempID() == id {
		t.Fatalf("temp ids must be unique")
	}
}

func TestOutboxEntryValidate(t *testing.T) {
	tests := []struct {
		name    string
		entry   OutboxEntry
		wantErr bool
	}{
		{name: "goal create", entry: OutboxEntry{ID: "e1", Domain: Goals, Operation: OpCreate}},
		{name: "goal toggle", entry: OutboxEntry{ID: "e1", Domain: Goals, Operation: OpToggle, RecordID: "g1"}},
		{name: "goal toggle without id", entry: OutboxEntry{ID: "e1", Domain: Goals, Operation: OpToggle}, wantErr: true},
		{name: "query create", entry: OutboxEntry{ID: "e1", Domain: Queries, Operation: OpCreate}},
		{name: "query delete", entry: OutboxEntry{ID: "e1", Domain: Queries, Operation: OpDelete, RecordID: "q1"}, wantErr: true},
		{name: "feedback update", entry: OutboxEntry{ID: "e1", Domain: Feedback, Operation: OpUpdate}, wantErr: true},
		{name: "contact update", entry: OutboxEntry{ID: "e1", Domain: Contact, Operation: OpUpdate}},
		{name: "contact create", entry: OutboxEntry{ID: "e1", Domain: Contact, Operation: OpCreate}, wantErr: true},
		{name: "unknown domain", entry: OutboxEntry{ID: "e1", Domain: "pip", Operation: OpCreate}, wantErr: true},
		{name: "missing id", entry: OutboxEntry{Domain: Goals, Operation: OpCreate}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("expected ErrInvalid, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPayloadValidation(t *testing.T) {
	if err := (Goal{Title: "Finish report", DueDate: "2026-12-31"}).Validate(); err != nil {
		t.Fatalf("valid goal rejected: %v", err)
	}
	if err := (Goal{Title: "  "}).Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected blank title to be invalid, got %v", err)
	}
	if err := (Goal{Title: "x", DueDate: "31/12/2026"}).Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected bad due date to be invalid, got %v", err)
	}
	if err := (ContactInfo{Phone: "+91 98765-43210"}).Validate(); err != nil {
		t.Fatalf("valid phone rejected: %v", err)
	}
	if err := (ContactInfo{Phone: "12ab"}).Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected bad phone to be invalid, got %v", err)
	}
	if err := (FeedbackItem{Message: "ok", Rating: 9}).Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected rating out of range to be invalid, got %v", err)
	}
	var verr *ValidationError
	if err := (Query{Subject: "Leave"}).Validate(); !errors.As(err, &verr) || verr.Field != "message" {
		t.Fatalf("expected message validation error, got %v", err)
	}
}

func TestAppraisalDraftValidateReportsIndex(t *testing.T) {
	d := &AppraisalDraft{
		OwnerID: "emp-1",
		Period:  "2026-H1",
		Ratings: []Rating{
			{Criteria: "Comm", Weightage: 50, Score: 4},
			{Criteria: "Delivery", Weightage: 120, Score: 3},
		},
	}
	err := d.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "ratings[1]") {
		t.Fatalf("expected index in error, got %v", err)
	}
}

func TestAppraisalDraftCloneIsDeep(t *testing.T) {
	d := &AppraisalDraft{Ratings: []Rating{{Criteria: "Comm", Weightage: 50, Score: 4}}}
	cp := d.Clone()
	cp.Ratings[0].Score = 1
	if d.Ratings[0].Score != 4 {
		t.Fatalf("clone shares ratings with original")
	}
}

func TestAppraisalDocumentDefaultsToDraftStatus(t *testing.T) {
	d := &AppraisalDraft{ServerID: "sa-1", OwnerID: "emp-1", Period: "2026-H1"}
	doc := d.Document()
	if doc.Status != DraftOpen {
		t.Fatalf("expected draft status, got %q", doc.Status)
	}
	payload, err := sonic.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal document: %v", err)
	}
	if !strings.Contains(string(payload), "\"ratings\":[]") {
		t.Fatalf("expected empty ratings array on the wire, got %s", payload)
	}
}

func TestDraftDirtyTracksRevisions(t *testing.T) {
	d := &AppraisalDraft{}
	if d.Dirty() {
		t.Fatalf("fresh draft must not be dirty")
	}
	d.Revision++
	if !d.Dirty() {
		t.Fatalf("edited draft must be dirty")
	}
	d.SavedRevision = d.Revision
	if d.Dirty() {
		t.Fatalf("saved draft must not be dirty")
	}
}
