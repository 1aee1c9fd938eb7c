package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Domain names a synchronized data domain.
type Domain string

const (
	Goals    Domain = "goals"
	Queries  Domain = "queries"
	Feedback Domain = "feedback"
	Contact  Domain = "contact"
)

// MutableDomains lists the domains that own an outbox, in drain order.
var MutableDomains = []Domain{Goals, Queries, Feedback, Contact}

// Valid reports whether d is one of the mutable domains.
func (d Domain) Valid() bool {
	for _, m := range MutableDomains {
		if d == m {
			return true
		}
	}
	return false
}

// RecordStatus tracks whether the server has acknowledged a record.
type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordConfirmed RecordStatus = "confirmed"
)

const tempIDPrefix = "tmp-"

// NewTempID returns a client-generated id used until the server assigns one.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was generated by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// Record is the envelope shared by every synchronized entity.
type Record struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Completed bool            `json:"completed,omitempty"`
	Status    RecordStatus    `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Pending reports whether the record still waits for server confirmation.
func (r Record) Pending() bool {
	return r.Status == RecordPending
}

// Goal is the payload of a goals record.
type Goal struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
	Completed   bool   `json:"completed,omitempty"`
}

// Validate checks the fields the portal requires before saving a goal.
func (g Goal) Validate() error {
	if strings.TrimSpace(g.Title) == "" {
		return invalid("title", "required")
	}
	if len(g.Title) > 200 {
		return invalid("title", "must be at most 200 characters")
	}
	if g.DueDate != "" {
		if _, err := time.Parse(time.DateOnly, g.DueDate); err != nil {
			return invalid("dueDate", "must be YYYY-MM-DD")
		}
	}
	return nil
}

// Query is an employee question raised to HR.
type Query struct {
	Subject string `json:"subject"`
	Message string `json:"message"`
}

func (q Query) Validate() error {
	if strings.TrimSpace(q.Subject) == "" {
		return invalid("subject", "required")
	}
	if strings.TrimSpace(q.Message) == "" {
		return invalid("message", "required")
	}
	return nil
}

// FeedbackItem is free-form feedback sent by an employee.
type FeedbackItem struct {
	Category string `json:"category,omitempty"`
	Message  string `json:"message"`
	Rating   int    `json:"rating,omitempty"`
}

func (f FeedbackItem) Validate() error {
	if strings.TrimSpace(f.Message) == "" {
		return invalid("message", "required")
	}
	if f.Rating != 0 && (f.Rating < 1 || f.Rating > 5) {
		return invalid("rating", "must be between 1 and 5")
	}
	return nil
}

// ContactInfo carries the editable contact details of an employee.
type ContactInfo struct {
	Phone string `json:"phone"`
}

func (c ContactInfo) Validate() error {
	digits := 0
	for i, r := range c.Phone {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-':
		default:
			return invalid("phone", "contains invalid characters")
		}
	}
	if digits < 7 || digits > 15 {
		return invalid("phone", "must contain 7 to 15 digits")
	}
	return nil
}

// PerformanceSnapshot is the read-only employee performance summary.
type PerformanceSnapshot struct {
	EmployeeID  string  `json:"employeeId"`
	Name        string  `json:"name,omitempty"`
	Designation string  `json:"designation,omitempty"`
	Department  string  `json:"department,omitempty"`
	Rating      float64 `json:"rating,omitempty"`
	GoalsTotal  int     `json:"goalsTotal,omitempty"`
	GoalsDone   int     `json:"goalsCompleted,omitempty"`
	Phone       string  `json:"phone,omitempty"`
}

// PIPRecord is the read-only performance improvement plan of an employee.
type PIPRecord struct {
	ID         string   `json:"id"`
	EmployeeID string   `json:"employeeId"`
	Status     string   `json:"status"`
	Objectives []string `json:"objectives,omitempty"`
	StartDate  string   `json:"startDate,omitempty"`
	EndDate    string   `json:"endDate,omitempty"`
}
