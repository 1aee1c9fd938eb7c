package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"perfsync/domain"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 4 << 20
	// HeaderIdempotencyKey lets the server collapse retried creates.
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Client talks to the portal API over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *log.Logger
	now     func() time.Time
}

type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithClock overrides the clock used for local token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(baseURL string, tokens TokenSource, logger *log.Logger, opts ...Option) *Client {
	if tokens == nil {
		panic("token source is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tokens: tokens,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Success *bool                  `json:"success"`
	Data    sonic.NoCopyRawMessage `json:"data"`
	Message string                 `json:"message"`
}

type request struct {
	op      string
	method  string
	path    string
	body    []byte
	idemKey string
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &Error{Kind: KindUnauthorized, Op: r.op, Message: "no session token", Err: err}
	}
	if TokenExpired(token, c.now()) {
		return &Error{Kind: KindUnauthorized, Op: r.op, Message: "session token expired"}
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return &Error{Kind: KindRejected, Op: r.op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if r.idemKey != "" {
		req.Header.Set(HeaderIdempotencyKey, r.idemKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WithError(err).WithFields(log.Fields{"op": r.op, "method": r.method, "path": r.path}).Debug("gateway request failed")
		return unreachable(r.op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	c.logger.WithFields(log.Fields{
		"op":          r.op,
		"method":      r.method,
		"path":        r.path,
		"status":      resp.StatusCode,
		"duration_ms": durationToMillis(time.Since(start)),
	}).Debug("gateway request")
	if err != nil {
		return &Error{Kind: KindUnreachable, Status: resp.StatusCode, Op: r.op, Err: err}
	}
	if kind := statusKind(resp.StatusCode); kind != 0 {
		return &Error{Kind: kind, Status: resp.StatusCode, Op: r.op, Message: errorMessage(data)}
	}

	payload, err := unwrapEnvelope(data)
	if err != nil {
		return &Error{Kind: KindRejected, Status: resp.StatusCode, Op: r.op, Message: err.Error()}
	}
	if out == nil || len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := sonic.Unmarshal(payload, out); err != nil {
		return &Error{Kind: KindUnreachable, Status: resp.StatusCode, Op: r.op, Message: "malformed response", Err: err}
	}
	return nil
}

// unwrapEnvelope returns the data of a {success, data, message} envelope, or
// the body itself when the response is bare.
func unwrapEnvelope(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, nil
	}
	var env envelope
	if err := sonic.Unmarshal(trimmed, &env); err != nil || env.Success == nil {
		return trimmed, nil
	}
	if !*env.Success {
		msg := env.Message
		if msg == "" {
			msg = "request was not successful"
		}
		return nil, errors.New(msg)
	}
	return append([]byte(nil), env.Data...), nil
}

func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := sonic.Unmarshal(data, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func encode(op string, v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, &Error{Kind: KindRejected, Op: op, Message: "encode request", Err: err}
	}
	return data, nil
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

func employeePath(employeeID string, parts ...string) string {
	p := "/employee/" + url.PathEscape(employeeID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// recordMeta holds the envelope fields every record response carries.
type recordMeta struct {
	ID        string     `json:"id"`
	Completed bool       `json:"completed"`
	CreatedAt *time.Time `json:"createdAt"`
}

func decodeRecord(raw []byte) (domain.Record, error) {
	var meta recordMeta
	if err := sonic.Unmarshal(raw, &meta); err != nil {
		return domain.Record{}, err
	}
	rec := domain.Record{
		ID:        meta.ID,
		Payload:   append([]byte(nil), raw...),
		Completed: meta.Completed,
		Status:    domain.RecordConfirmed,
	}
	if meta.CreatedAt != nil {
		rec.CreatedAt = meta.CreatedAt.UTC()
	}
	return rec, nil
}

func (c *Client) record(ctx context.Context, r request) (domain.Record, error) {
	var raw sonic.NoCopyRawMessage
	if err := c.do(ctx, r, &raw); err != nil {
		return domain.Record{}, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return domain.Record{Status: domain.RecordConfirmed}, nil
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return domain.Record{}, &Error{Kind: KindUnreachable, Op: r.op, Message: "malformed record", Err: err}
	}
	return rec, nil
}

// Apply sends one outbox entry to its endpoint.
func (c *Client) Apply(ctx context.Context, employeeID string, e domain.OutboxEntry) (domain.Record, error) {
	op := fmt.Sprintf("%s.%s", e.Domain, e.Operation)
	if err := e.Validate(); err != nil {
		return domain.Record{}, &Error{Kind: KindRejected, Op: op, Err: err}
	}
	body := []byte(e.Payload)
	if len(body) == 0 {
		body = nil
	}

	var r request
	switch e.Domain {
	case domain.Goals:
		switch e.Operation {
		case domain.OpCreate:
			r = request{method: http.MethodPost, path: employeePath(employeeID, "goals"), body: body, idemKey: e.ID}
		case domain.OpUpdate:
			r = request{method: http.MethodPut, path: employeePath(employeeID, "goals", e.RecordID), body: body}
		case domain.OpDelete:
			r = request{method: http.MethodDelete, path: employeePath(employeeID, "goals", e.RecordID)}
		case domain.OpToggle:
			r = request{method: http.MethodPatch, path: employeePath(employeeID, "goals", e.RecordID, "toggle"), body: body}
		}
	case domain.Queries:
		r = request{method: http.MethodPost, path: employeePath(employeeID, "queries"), body: body, idemKey: e.ID}
	case domain.Feedback:
		r = request{method: http.MethodPost, path: employeePath(employeeID, "feedback"), body: body, idemKey: e.ID}
	case domain.Contact:
		r = request{method: http.MethodPut, path: "/employee-resignation/" + url.PathEscape(employeeID), body: body}
	}
	r.op = op

	rec, err := c.record(ctx, r)
	if err != nil {
		return domain.Record{}, err
	}
	if rec.ID == "" {
		switch {
		case e.Domain == domain.Contact:
			rec.ID = employeeID
		case e.RecordID != "":
			rec.ID = e.RecordID
		}
	}
	return rec, nil
}

type batchResult struct {
	EntryID string                 `json:"entryId"`
	Record  sonic.NoCopyRawMessage `json:"record"`
}

// ApplyBatch sends entries to the bulk sync endpoint of d. The result maps
// entry ids to the records the server produced; deletes map to an empty
// record.
func (c *Client) ApplyBatch(ctx context.Context, employeeID string, d domain.Domain, entries []domain.OutboxEntry) (map[string]domain.Record, error) {
	op := string(d) + ".sync"
	if !BulkDomains[d] {
		return nil, &Error{Kind: KindRejected, Op: op, Message: "domain has no bulk endpoint"}
	}
	body, err := encode(op, map[string]any{"entries": entries})
	if err != nil {
		return nil, err
	}
	var results struct {
		Results []batchResult `json:"results"`
	}
	r := request{op: op, method: http.MethodPost, path: employeePath(employeeID, string(d), "sync"), body: body}
	if err := c.do(ctx, r, &results); err != nil {
		return nil, err
	}
	out := make(map[string]domain.Record, len(results.Results))
	for _, res := range results.Results {
		if len(res.Record) == 0 || string(res.Record) == "null" {
			out[res.EntryID] = domain.Record{Status: domain.RecordConfirmed}
			continue
		}
		rec, err := decodeRecord(res.Record)
		if err != nil {
			return nil, &Error{Kind: KindUnreachable, Op: op, Message: "malformed record", Err: err}
		}
		out[res.EntryID] = rec
	}
	return out, nil
}

func (c *Client) ListGoals(ctx context.Context, employeeID string) ([]domain.Record, error) {
	var raws []sonic.NoCopyRawMessage
	r := request{op: "goals.list", method: http.MethodGet, path: employeePath(employeeID, "goals")}
	if err := c.do(ctx, r, &raws); err != nil {
		return nil, err
	}
	out := make([]domain.Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, &Error{Kind: KindUnreachable, Op: r.op, Message: "malformed record", Err: err}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *Client) Performance(ctx context.Context, employeeID string) (domain.PerformanceSnapshot, error) {
	var snap domain.PerformanceSnapshot
	r := request{op: "performance.get", method: http.MethodGet, path: "/employee-details/by-employee-id/" + url.PathEscape(employeeID)}
	if err := c.do(ctx, r, &snap); err != nil {
		return domain.PerformanceSnapshot{}, err
	}
	return snap, nil
}

func (c *Client) PIP(ctx context.Context, employeeID string) (domain.PIPRecord, error) {
	var pip domain.PIPRecord
	r := request{op: "pip.get", method: http.MethodGet, path: "/pips/employee/" + url.PathEscape(employeeID)}
	if err := c.do(ctx, r, &pip); err != nil {
		return domain.PIPRecord{}, err
	}
	return pip, nil
}

func (c *Client) FindDraft(ctx context.Context, ownerID, period string) (domain.AppraisalDocument, error) {
	const op = "appraisal.find_draft"
	var docs []domain.AppraisalDocument
	r := request{op: op, method: http.MethodGet, path: "/self-appraisals/employee/" + url.PathEscape(ownerID) + "?status=draft"}
	if err := c.do(ctx, r, &docs); err != nil {
		return domain.AppraisalDocument{}, err
	}
	for _, doc := range docs {
		if doc.Period == period && doc.Status == domain.DraftOpen {
			return doc, nil
		}
	}
	return domain.AppraisalDocument{}, &Error{Kind: KindNotFound, Op: op, Message: "no open draft for period " + period}
}

func (c *Client) GetAppraisal(ctx context.Context, id string) (domain.AppraisalDocument, error) {
	var doc domain.AppraisalDocument
	r := request{op: "appraisal.get", method: http.MethodGet, path: "/self-appraisals/" + url.PathEscape(id)}
	if err := c.do(ctx, r, &doc); err != nil {
		return domain.AppraisalDocument{}, err
	}
	return doc, nil
}

func (c *Client) CreateAppraisal(ctx context.Context, doc domain.AppraisalDocument, idempotencyKey string) (domain.AppraisalDocument, error) {
	const op = "appraisal.create"
	doc.ID = ""
	body, err := encode(op, doc)
	if err != nil {
		return domain.AppraisalDocument{}, err
	}
	var created domain.AppraisalDocument
	r := request{op: op, method: http.MethodPost, path: "/self-appraisals", body: body, idemKey: idempotencyKey}
	if err := c.do(ctx, r, &created); err != nil {
		return domain.AppraisalDocument{}, err
	}
	if created.ID == "" {
		return domain.AppraisalDocument{}, &Error{Kind: KindUnreachable, Op: op, Message: "response carried no id"}
	}
	return created, nil
}

func (c *Client) UpdateAppraisal(ctx context.Context, id string, doc domain.AppraisalDocument) (domain.AppraisalDocument, error) {
	const op = "appraisal.update"
	doc.ID = id
	body, err := encode(op, doc)
	if err != nil {
		return domain.AppraisalDocument{}, err
	}
	var updated domain.AppraisalDocument
	r := request{op: op, method: http.MethodPut, path: "/self-appraisals/" + url.PathEscape(id), body: body}
	if err := c.do(ctx, r, &updated); err != nil {
		return domain.AppraisalDocument{}, err
	}
	if updated.ID == "" {
		updated = doc
	}
	return updated, nil
}

func (c *Client) SubmitAppraisal(ctx context.Context, id string) error {
	r := request{op: "appraisal.submit", method: http.MethodPost, path: "/self-appraisals/" + url.PathEscape(id) + "/submit"}
	return c.do(ctx, r, nil)
}
