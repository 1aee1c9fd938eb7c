// Package gatewaytest provides an in-memory fake of the portal REST API.
package gatewaytest

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"

	"perfsync/domain"
)

type object = map[string]any

// Server is an httptest server speaking the portal API.
type Server struct {
	echo *echo.Echo
	srv  *httptest.Server

	mu          sync.Mutex
	offline     bool
	revoked     bool
	envelope    bool
	secret      []byte
	seq         int
	goals       map[string][]object
	queries     map[string][]object
	feedback    map[string][]object
	contacts    map[string]object
	performance map[string]domain.PerformanceSnapshot
	pips        map[string]domain.PIPRecord
	appraisals  map[string]*domain.AppraisalDocument
	idem        map[string]string
	calls       map[string]int
	failNext    map[string][]int
	hooks       map[string][]func()
}

// New starts a server. Callers must Close it.
func New() *Server {
	s := &Server{
		goals:       make(map[string][]object),
		queries:     make(map[string][]object),
		feedback:    make(map[string][]object),
		contacts:    make(map[string]object),
		performance: make(map[string]domain.PerformanceSnapshot),
		pips:        make(map[string]domain.PIPRecord),
		appraisals:  make(map[string]*domain.AppraisalDocument),
		idem:        make(map[string]string),
		calls:       make(map[string]int),
		failNext:    make(map[string][]int),
		hooks:       make(map[string][]func()),
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = sonicSerializer{}
	e.Use(s.intercept)
	s.register(e)
	s.echo = e
	s.srv = httptest.NewServer(e)
	return s
}

func (s *Server) URL() string { return s.srv.URL }

func (s *Server) Close() { s.srv.Close() }

// SetOffline makes every request fail with 503 while on is true.
func (s *Server) SetOffline(on bool) {
	s.mu.Lock()
	s.offline = on
	s.mu.Unlock()
}

// RevokeSessions makes every request fail with 401 while on is true.
func (s *Server) RevokeSessions(on bool) {
	s.mu.Lock()
	s.revoked = on
	s.mu.Unlock()
}

// UseEnvelope wraps successful responses in {success, data, message}.
func (s *Server) UseEnvelope(on bool) {
	s.mu.Lock()
	s.envelope = on
	s.mu.Unlock()
}

// RequireToken rejects requests whose bearer token is not an HS256 JWT
// signed with secret.
func (s *Server) RequireToken(secret []byte) {
	s.mu.Lock()
	s.secret = secret
	s.mu.Unlock()
}

// FailNext makes the next call of route ("METHOD /path/:param") answer status.
func (s *Server) FailNext(route string, status int) {
	s.mu.Lock()
	s.failNext[route] = append(s.failNext[route], status)
	s.mu.Unlock()
}

// Before runs fn once, right before the next call of route is handled.
func (s *Server) Before(route string, fn func()) {
	s.mu.Lock()
	s.hooks[route] = append(s.hooks[route], fn)
	s.mu.Unlock()
}

// Calls returns how many requests route has received.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// Goals returns the goals of employeeID in creation order.
func (s *Server) Goals(employeeID string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneObjects(s.goals[employeeID])
}

func (s *Server) Queries(employeeID string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneObjects(s.queries[employeeID])
}

func (s *Server) Feedback(employeeID string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneObjects(s.feedback[employeeID])
}

func (s *Server) Contact(employeeID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneObject(s.contacts[employeeID])
}

func (s *Server) SetPerformance(snap domain.PerformanceSnapshot) {
	s.mu.Lock()
	s.performance[snap.EmployeeID] = snap
	s.mu.Unlock()
}

func (s *Server) SetPIP(pip domain.PIPRecord) {
	s.mu.Lock()
	s.pips[pip.EmployeeID] = pip
	s.mu.Unlock()
}

// Appraisals returns every document of ownerID sorted by id.
func (s *Server) Appraisals(ownerID string) []domain.AppraisalDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appraisalsLocked(ownerID, "")
}

// LoseAppraisal drops a document as a server-side cleanup would.
func (s *Server) LoseAppraisal(id string) {
	s.mu.Lock()
	delete(s.appraisals, id)
	s.mu.Unlock()
}

func (s *Server) intercept(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		route := c.Request().Method + " " + c.Path()

		s.mu.Lock()
		s.calls[route]++
		offline, revoked, secret := s.offline, s.revoked, s.secret
		var fail int
		if queued := s.failNext[route]; len(queued) > 0 {
			fail = queued[0]
			s.failNext[route] = queued[1:]
		}
		var hooks []func()
		if h := s.hooks[route]; len(h) > 0 {
			hooks = h
			delete(s.hooks, route)
		}
		s.mu.Unlock()

		if offline {
			return c.String(http.StatusServiceUnavailable, "service unavailable")
		}
		if revoked {
			return c.JSON(http.StatusUnauthorized, object{"message": "session revoked"})
		}
		if secret != nil {
			if err := verifyBearer(c.Request().Header.Get("Authorization"), secret); err != nil {
				return c.JSON(http.StatusUnauthorized, object{"message": err.Error()})
			}
		}
		for _, fn := range hooks {
			fn()
		}
		if fail != 0 {
			return c.JSON(fail, object{"message": http.StatusText(fail)})
		}
		return next(c)
	}
}

func verifyBearer(header string, secret []byte) error {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return errors.New("missing bearer token")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	_, err := parser.Parse(token, func(t *jwt.Token) (any, error) {
		return secret, nil
	})
	return err
}

func (s *Server) register(e *echo.Echo) {
	e.GET("/employee/:emp/goals", s.listGoals)
	e.POST("/employee/:emp/goals", s.createGoal)
	e.PUT("/employee/:emp/goals/:id", s.updateGoal)
	e.DELETE("/employee/:emp/goals/:id", s.deleteGoal)
	e.PATCH("/employee/:emp/goals/:id/toggle", s.toggleGoal)
	e.POST("/employee/:emp/goals/sync", s.syncDomain(domain.Goals))
	e.POST("/employee/:emp/queries", s.createItem(domain.Queries))
	e.POST("/employee/:emp/queries/sync", s.syncDomain(domain.Queries))
	e.POST("/employee/:emp/feedback", s.createItem(domain.Feedback))
	e.POST("/employee/:emp/feedback/sync", s.syncDomain(domain.Feedback))
	e.PUT("/employee-resignation/:emp", s.updateContact)
	e.GET("/employee-details/by-employee-id/:emp", s.getPerformance)
	e.GET("/pips/employee/:emp", s.getPIP)
	e.GET("/self-appraisals/employee/:emp", s.listAppraisals)
	e.GET("/self-appraisals/:id", s.getAppraisal)
	e.POST("/self-appraisals", s.createAppraisal)
	e.PUT("/self-appraisals/:id", s.updateAppraisal)
	e.POST("/self-appraisals/:id/submit", s.submitAppraisal)
}

func (s *Server) respond(c echo.Context, status int, v any) error {
	s.mu.Lock()
	wrap := s.envelope
	s.mu.Unlock()
	if wrap {
		return c.JSON(status, object{"success": true, "data": v, "message": "ok"})
	}
	return c.JSON(status, v)
}

func notFound(c echo.Context, what string) error {
	return c.JSON(http.StatusNotFound, object{"message": what + " not found"})
}

func (s *Server) nextIDLocked(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func decodeObject(c echo.Context) (object, error) {
	body := object{}
	if c.Request().ContentLength == 0 {
		return body, nil
	}
	if err := decodeBody(c, &body); err != nil {
		return nil, err
	}
	return body, nil
}

func decodeBody(c echo.Context, v any) error {
	return c.Echo().JSONSerializer.Deserialize(c, v)
}

func (s *Server) listGoals(c echo.Context) error {
	s.mu.Lock()
	goals := cloneObjects(s.goals[c.Param("emp")])
	s.mu.Unlock()
	if goals == nil {
		goals = []object{}
	}
	return s.respond(c, http.StatusOK, goals)
}

func (s *Server) createGoal(c echo.Context) error {
	body, err := decodeObject(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, object{"message": "invalid body"})
	}
	if title, _ := body["title"].(string); strings.TrimSpace(title) == "" {
		return c.JSON(http.StatusUnprocessableEntity, object{"message": "title is required"})
	}
	emp := c.Param("emp")
	key := c.Request().Header.Get("Idempotency-Key")

	s.mu.Lock()
	goal, _ := s.createLocked(domain.Goals, emp, key, body)
	s.mu.Unlock()
	return s.respond(c, http.StatusCreated, goal)
}

// createLocked stores body as a new item of d, or returns the item an
// earlier request with the same idempotency key created.
func (s *Server) createLocked(d domain.Domain, emp, key string, body object) (object, bool) {
	list := s.listLocked(d)
	if key != "" {
		if id, ok := s.idem[string(d)+":"+key]; ok {
			if idx := indexOf(list[emp], id); idx >= 0 {
				return cloneObject(list[emp][idx]), false
			}
		}
	}
	item := cloneObject(body)
	item["id"] = s.nextIDLocked(idPrefix[d])
	item["createdAt"] = time.Now().UTC().Format(time.RFC3339Nano)
	if d == domain.Goals {
		if _, ok := item["completed"]; !ok {
			item["completed"] = false
		}
	}
	list[emp] = append(list[emp], item)
	if key != "" {
		s.idem[string(d)+":"+key] = item["id"].(string)
	}
	return cloneObject(item), true
}

var idPrefix = map[domain.Domain]string{
	domain.Goals:    "goal",
	domain.Queries:  "query",
	domain.Feedback: "feedback",
}

func (s *Server) listLocked(d domain.Domain) map[string][]object {
	switch d {
	case domain.Queries:
		return s.queries
	case domain.Feedback:
		return s.feedback
	default:
		return s.goals
	}
}

func (s *Server) updateGoal(c echo.Context) error {
	body, err := decodeObject(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, object{"message": "invalid body"})
	}
	s.mu.Lock()
	goal, ok := s.mutateGoalLocked(c.Param("emp"), c.Param("id"), func(g object) {
		for k, v := range body {
			if k == "id" || k == "createdAt" {
				continue
			}
			g[k] = v
		}
	})
	s.mu.Unlock()
	if !ok {
		return notFound(c, "goal")
	}
	return s.respond(c, http.StatusOK, goal)
}

func (s *Server) toggleGoal(c echo.Context) error {
	s.mu.Lock()
	goal, ok := s.mutateGoalLocked(c.Param("emp"), c.Param("id"), toggle)
	s.mu.Unlock()
	if !ok {
		return notFound(c, "goal")
	}
	return s.respond(c, http.StatusOK, goal)
}

func toggle(g object) {
	done, _ := g["completed"].(bool)
	g["completed"] = !done
}

func (s *Server) mutateGoalLocked(emp, id string, fn func(object)) (object, bool) {
	idx := indexOf(s.goals[emp], id)
	if idx < 0 {
		return nil, false
	}
	fn(s.goals[emp][idx])
	return cloneObject(s.goals[emp][idx]), true
}

func (s *Server) deleteGoal(c echo.Context) error {
	emp := c.Param("emp")
	s.mu.Lock()
	idx := indexOf(s.goals[emp], c.Param("id"))
	if idx >= 0 {
		s.goals[emp] = append(s.goals[emp][:idx], s.goals[emp][idx+1:]...)
	}
	s.mu.Unlock()
	if idx < 0 {
		return notFound(c, "goal")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) createItem(d domain.Domain) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := decodeObject(c)
		if err != nil || len(body) == 0 {
			return c.JSON(http.StatusBadRequest, object{"message": "invalid body"})
		}
		s.mu.Lock()
		item, _ := s.createLocked(d, c.Param("emp"), c.Request().Header.Get("Idempotency-Key"), body)
		s.mu.Unlock()
		return s.respond(c, http.StatusCreated, item)
	}
}

type syncEntry struct {
	ID        string           `json:"id"`
	Operation domain.Operation `json:"operation"`
	RecordID  string           `json:"recordId"`
	Payload   object           `json:"payload"`
}

type syncResult struct {
	EntryID string `json:"entryId"`
	Record  any    `json:"record"`
}

// syncDomain applies a batch all-or-nothing. Temp ids created earlier in the
// batch may be referenced by later entries.
func (s *Server) syncDomain(d domain.Domain) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			Entries []syncEntry `json:"entries"`
		}
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, object{"message": "invalid body"})
		}
		emp := c.Param("emp")

		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.listLocked(d)

		known := make(map[string]bool)
		for _, g := range list[emp] {
			known[g["id"].(string)] = true
		}
		for _, e := range req.Entries {
			switch e.Operation {
			case domain.OpCreate:
				if e.RecordID != "" {
					known[e.RecordID] = true
				}
			case domain.OpUpdate, domain.OpToggle, domain.OpDelete:
				if d != domain.Goals {
					return c.JSON(http.StatusBadRequest, object{"message": "unsupported operation"})
				}
				if !known[e.RecordID] {
					return notFound(c, "goal "+e.RecordID)
				}
				if e.Operation == domain.OpDelete {
					delete(known, e.RecordID)
				}
			default:
				return c.JSON(http.StatusBadRequest, object{"message": "unsupported operation"})
			}
		}

		temp := make(map[string]string)
		results := make([]syncResult, 0, len(req.Entries))
		for _, e := range req.Entries {
			e := e
			rid := e.RecordID
			if mapped, ok := temp[rid]; ok {
				rid = mapped
			}
			var rec object
			switch e.Operation {
			case domain.OpCreate:
				rec, _ = s.createLocked(d, emp, e.ID, e.Payload)
				if e.RecordID != "" {
					temp[e.RecordID] = rec["id"].(string)
				}
			case domain.OpUpdate:
				rec, _ = s.mutateGoalLocked(emp, rid, func(g object) {
					for k, v := range e.Payload {
						if k != "id" && k != "createdAt" {
							g[k] = v
						}
					}
				})
			case domain.OpToggle:
				rec, _ = s.mutateGoalLocked(emp, rid, toggle)
			case domain.OpDelete:
				if idx := indexOf(s.goals[emp], rid); idx >= 0 {
					s.goals[emp] = append(s.goals[emp][:idx], s.goals[emp][idx+1:]...)
				}
			}
			results = append(results, syncResult{EntryID: e.ID, Record: rec})
		}

		wrap := s.envelope
		body := object{"results": results}
		if wrap {
			return c.JSON(http.StatusOK, object{"success": true, "data": body})
		}
		return c.JSON(http.StatusOK, body)
	}
}

func (s *Server) updateContact(c echo.Context) error {
	body, err := decodeObject(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, object{"message": "invalid body"})
	}
	phone, _ := body["phone"].(string)
	if phone == "" {
		return c.JSON(http.StatusBadRequest, object{"message": "phone is required"})
	}
	emp := c.Param("emp")
	s.mu.Lock()
	contact := object{"id": emp, "phone": phone, "createdAt": time.Now().UTC().Format(time.RFC3339Nano)}
	s.contacts[emp] = contact
	out := cloneObject(contact)
	s.mu.Unlock()
	return s.respond(c, http.StatusOK, out)
}

func (s *Server) getPerformance(c echo.Context) error {
	s.mu.Lock()
	snap, ok := s.performance[c.Param("emp")]
	s.mu.Unlock()
	if !ok {
		return notFound(c, "employee")
	}
	return s.respond(c, http.StatusOK, snap)
}

func (s *Server) getPIP(c echo.Context) error {
	s.mu.Lock()
	pip, ok := s.pips[c.Param("emp")]
	s.mu.Unlock()
	if !ok {
		return notFound(c, "pip")
	}
	return s.respond(c, http.StatusOK, pip)
}

func (s *Server) appraisalsLocked(owner string, status domain.DraftStatus) []domain.AppraisalDocument {
	out := []domain.AppraisalDocument{}
	for _, doc := range s.appraisals {
		if doc.EmployeeID != owner {
			continue
		}
		if status != "" && doc.Status != status {
			continue
		}
		out = append(out, cloneDoc(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) listAppraisals(c echo.Context) error {
	s.mu.Lock()
	docs := s.appraisalsLocked(c.Param("emp"), domain.DraftStatus(c.QueryParam("status")))
	s.mu.Unlock()
	return s.respond(c, http.StatusOK, docs)
}

func (s *Server) getAppraisal(c echo.Context) error {
	s.mu.Lock()
	doc, ok := s.appraisals[c.Param("id")]
	var out domain.AppraisalDocument
	if ok {
		out = cloneDoc(doc)
	}
	s.mu.Unlock()
	if !ok {
		return notFound(c, "appraisal")
	}
	return s.respond(c, http.StatusOK, out)
}

func (s *Server) createAppraisal(c echo.Context) error {
	var doc domain.AppraisalDocument
	if err := decodeBody(c, &doc); err != nil || doc.EmployeeID == "" || doc.Period == "" {
		return c.JSON(http.StatusBadRequest, object{"message": "employeeId and period are required"})
	}
	key := c.Request().Header.Get("Idempotency-Key")

	s.mu.Lock()
	defer s.mu.Unlock()
	if key != "" {
		if id, ok := s.idem["appraisal:"+key]; ok {
			if existing, ok := s.appraisals[id]; ok {
				return s.respondLocked(c, http.StatusOK, cloneDoc(existing))
			}
		}
	}
	doc.ID = s.nextIDLocked("sa")
	doc.Status = domain.DraftOpen
	doc.UpdatedAt = time.Now().UTC()
	stored := cloneDoc(&doc)
	s.appraisals[doc.ID] = &stored
	if key != "" {
		s.idem["appraisal:"+key] = doc.ID
	}
	return s.respondLocked(c, http.StatusCreated, cloneDoc(&stored))
}

func (s *Server) updateAppraisal(c echo.Context) error {
	var doc domain.AppraisalDocument
	if err := decodeBody(c, &doc); err != nil {
		return c.JSON(http.StatusBadRequest, object{"message": "invalid body"})
	}
	id := c.Param("id")

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.appraisals[id]
	if !ok {
		return notFound(c, "appraisal")
	}
	if existing.Status == domain.DraftSubmitted {
		return c.JSON(http.StatusConflict, object{"message": "appraisal already submitted"})
	}
	existing.Ratings = append([]domain.Rating{}, doc.Ratings...)
	existing.FeedbackCards = append([]domain.FeedbackCard{}, doc.FeedbackCards...)
	existing.UpdatedAt = time.Now().UTC()
	return s.respondLocked(c, http.StatusOK, cloneDoc(existing))
}

func (s *Server) submitAppraisal(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.appraisals[c.Param("id")]
	if !ok {
		return notFound(c, "appraisal")
	}
	existing.Status = domain.DraftSubmitted
	existing.UpdatedAt = time.Now().UTC()
	return s.respondLocked(c, http.StatusOK, cloneDoc(existing))
}

func (s *Server) respondLocked(c echo.Context, status int, v any) error {
	if s.envelope {
		return c.JSON(status, object{"success": true, "data": v})
	}
	return c.JSON(status, v)
}

func indexOf(list []object, id string) int {
	for i, item := range list {
		if item["id"] == id {
			return i
		}
	}
	return -1
}

func cloneObject(o object) object {
	if o == nil {
		return nil
	}
	out := make(object, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

func cloneObjects(list []object) []object {
	if list == nil {
		return nil
	}
	out := make([]object, len(list))
	for i, o := range list {
		out[i] = cloneObject(o)
	}
	return out
}

func cloneDoc(d *domain.AppraisalDocument) domain.AppraisalDocument {
	cp := *d
	cp.Ratings = append([]domain.Rating{}, d.Ratings...)
	cp.FeedbackCards = append([]domain.FeedbackCard{}, d.FeedbackCards...)
	return cp
}

type sonicSerializer struct{}

func (sonicSerializer) Serialize(c echo.Context, i any, _ string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	return enc.Encode(i)
}

func (sonicSerializer) Deserialize(c echo.Context, i any) error {
	err := sonic.ConfigStd.NewDecoder(c.Request().Body).Decode(i)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}
