package coordinator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"perfsync/domain"
	"perfsync/gateway"
	"perfsync/gateway/gatewaytest"
	"perfsync/localcache"
	"perfsync/outbox"
)

const (
	employeeID     = "emp-1"
	routeGoals     = "POST /employee/:emp/goals"
	routeToggle    = "PATCH /employee/:emp/goals/:id/toggle"
	routeGoalsSync = "POST /employee/:emp/goals/sync"
)

type harness struct {
	srv        *gatewaytest.Server
	client     *gateway.Client
	cache      *localcache.Memory
	queue      *outbox.Queue
	coord      *Coordinator
	hook       *test.Hook
	terminated atomic.Int32
}

func newHarness(t *testing.T, configure ...func(*Config, *outbox.Config)) *harness {
	t.Helper()
	return newHarnessWithGateway(t, nil, configure...)
}

// newHarnessWithGateway lets wrap intercept the records gateway the
// coordinator talks to.
func newHarnessWithGateway(t *testing.T, wrap func(gateway.Records) gateway.Records, configure ...func(*Config, *outbox.Config)) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)

	h := &harness{srv: gatewaytest.New(), cache: localcache.NewMemory(), hook: hook}
	t.Cleanup(h.srv.Close)

	cfg := Config{EmployeeID: employeeID, RetryInitial: 10 * time.Millisecond, RetryMax: 40 * time.Millisecond}
	qcfg := outbox.Config{StaleRetryLimit: 3}
	for _, fn := range configure {
		fn(&cfg, &qcfg)
	}

	h.client = gateway.NewClient(h.srv.URL(), gateway.StaticToken("session"), logger, gateway.WithTimeout(2*time.Second))
	queue, err := outbox.New(context.Background(), h.cache, outbox.NewMemoryLedger(), logger, qcfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	h.queue = queue
	var gw gateway.Records = h.client
	if wrap != nil {
		gw = wrap(h.client)
	}
	coord, err := New(context.Background(), cfg, gw, queue, h.cache, logger, Options{
		Session: SessionFunc(func(context.Context, error) { h.terminated.Add(1) }),
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	h.coord = coord
	t.Cleanup(coord.Stop)
	return h
}

func (h *harness) sync(t *testing.T) SyncReport {
	t.Helper()
	report, err := h.coord.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("sync now: %v", err)
	}
	return report
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRequiresEmployee(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cache := localcache.NewMemory()
	queue, err := outbox.New(context.Background(), cache, nil, logger, outbox.Config{})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	client := gateway.NewClient("http://127.0.0.1:1", gateway.StaticToken("x"), logger)
	if _, err := New(context.Background(), Config{}, client, queue, cache, logger, Options{}); err == nil {
		t.Fatal("expected error without employee id")
	}
}

func TestCreateGoalOnlineIsSaved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	receipt, err := h.coord.CreateGoal(ctx, domain.Goal{Title: "Ship v2"})
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	if receipt.Status != StatusSaved {
		t.Fatalf("expected saved, got %s", receipt.Status)
	}
	if !strings.HasPrefix(receipt.Record.ID, "goal-") || receipt.Record.Pending() {
		t.Fatalf("unexpected record %+v", receipt.Record)
	}
	if !h.queue.IsEmpty(domain.Goals) {
		t.Fatal("online mutation must not be queued")
	}

	cachedGoals, err := h.coord.cachedRecords(ctx, domain.Goals)
	if err != nil {
		t.Fatalf("cached goals: %v", err)
	}
	if len(cachedGoals.Value) != 1 || cachedGoals.Value[0].ID != receipt.Record.ID {
		t.Fatalf("snapshot not updated: %+v", cachedGoals.Value)
	}
}

func TestCreateGoalRejectsInvalidInputLocally(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.CreateGoal(context.Background(), domain.Goal{Title: "  "})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if got := h.srv.Calls(routeGoals); got != 0 {
		t.Fatalf("expected no api call, got %d", got)
	}
}

func TestOfflineGoalCreationReplaysOnReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.SetOffline(true)

	created, err := h.coord.CreateGoal(ctx, domain.Goal{Title: "Learn Go"})
	if err != nil {
		t.Fatalf("create goal offline: %v", err)
	}
	if created.Status != StatusPending || !domain.IsTempID(created.Record.ID) {
		t.Fatalf("expected pending temp record, got %+v", created)
	}
	if h.coord.Mode() != domain.Offline {
		t.Fatalf("expected offline mode, got %s", h.coord.Mode())
	}

	toggled, err := h.coord.ToggleGoal(ctx, created.Record.ID)
	if err != nil {
		t.Fatalf("toggle offline: %v", err)
	}
	if toggled.Status != StatusPending || !toggled.Record.Completed {
		t.Fatalf("expected pending completed goal, got %+v", toggled)
	}
	if got := h.queue.Len(domain.Goals); got != 2 {
		t.Fatalf("expected 2 queued entries, got %d", got)
	}

	goals, err := h.coord.Goals(ctx)
	if err != nil {
		t.Fatalf("goals offline: %v", err)
	}
	if goals.Source != SourceCache || len(goals.Value) != 1 || !goals.Value[0].Pending() {
		t.Fatalf("expected one pending cached goal, got %+v", goals)
	}

	h.srv.SetOffline(false)
	report := h.sync(t)
	if !report.Clean() || report.Replayed() != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if h.coord.Mode() != domain.Online {
		t.Fatalf("expected online after clean sync, got %s", h.coord.Mode())
	}

	server := h.srv.Goals(employeeID)
	if len(server) != 1 {
		t.Fatalf("expected exactly one server goal, got %d", len(server))
	}
	if server[0]["completed"] != true || server[0]["title"] != "Learn Go" {
		t.Fatalf("unexpected server goal %#v", server[0])
	}

	goals, err = h.coord.Goals(ctx)
	if err != nil {
		t.Fatalf("goals online: %v", err)
	}
	if goals.Source != SourceRemote || len(goals.Value) != 1 {
		t.Fatalf("unexpected goals %+v", goals)
	}
	if g := goals.Value[0]; g.ID != server[0]["id"] || g.Pending() || !g.Completed {
		t.Fatalf("unexpected goal %+v", g)
	}
	if got := h.coord.ids.Resolve(created.Record.ID); got != server[0]["id"] {
		t.Fatalf("temp id resolves to %q", got)
	}
}

func TestTempIDStillUsableAfterConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.SetOffline(true)
	created, err := h.coord.CreateGoal(ctx, domain.Goal{Title: "Temp"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.srv.SetOffline(false)
	h.sync(t)

	receipt, err := h.coord.UpdateGoal(ctx, created.Record.ID, domain.Goal{Title: "Renamed"})
	if err != nil {
		t.Fatalf("update through temp id: %v", err)
	}
	if receipt.Status != StatusSaved {
		t.Fatalf("expected saved, got %s", receipt.Status)
	}
	if got := h.srv.Goals(employeeID)[0]["title"]; got != "Renamed" {
		t.Fatalf("unexpected title %v", got)
	}
}

func TestUnconfirmedTempIDIsGoneOnline(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.DeleteGoal(context.Background(), domain.NewTempID())
	if !errors.Is(err, ErrRecordGone) || !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected record gone, got %v", err)
	}
}

func TestStaleEntryBlocksQueueUntilDeadLettered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	saved, err := h.coord.CreateGoal(ctx, domain.Goal{Title: "Soon deleted"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.srv.SetOffline(true)
	if _, err := h.coord.ToggleGoal(ctx, saved.Record.ID); err != nil {
		t.Fatalf("toggle offline: %v", err)
	}
	h.srv.SetOffline(false)

	// deleted elsewhere while this client was offline
	if _, err := h.client.Apply(ctx, employeeID, domain.OutboxEntry{
		ID: "external", Operation: domain.OpDelete, Domain: domain.Goals, RecordID: saved.Record.ID,
	}); err != nil {
		t.Fatalf("external delete: %v", err)
	}

	report := h.sync(t)
	if report.Clean() || report.Domains[domain.Goals].Remaining != 1 {
		t.Fatalf("expected stale entry to stay queued, got %+v", report.Domains[domain.Goals])
	}
	if !errors.Is(report.Domains[domain.Goals].Err, outbox.ErrStale) {
		t.Fatalf("expected stale error, got %v", report.Domains[domain.Goals].Err)
	}
	if h.coord.Mode() != domain.Offline || report.Mode != domain.Offline {
		t.Fatalf("a domain left undrained must keep the mode offline, got %s", h.coord.Mode())
	}

	postsBefore := h.srv.Calls(routeGoals)
	queued, err := h.coord.CreateGoal(ctx, domain.Goal{Title: "Behind the stale one"})
	if err != nil {
		t.Fatalf("create behind stale: %v", err)
	}
	if queued.Status != StatusPending || h.srv.Calls(routeGoals) != postsBefore {
		t.Fatal("mutation must queue behind pending entries of its domain")
	}

	h.sync(t)
	report = h.sync(t)
	if !report.Clean() {
		t.Fatalf("expected clean report after dead lettering, got %+v", report.Domains[domain.Goals])
	}
	if h.coord.Mode() != domain.Online {
		t.Fatalf("expected online once the queue drained, got %s", h.coord.Mode())
	}
	if dead := h.queue.DeadLetters(domain.Goals); len(dead) != 1 || dead[0].Operation != domain.OpToggle {
		t.Fatalf("unexpected dead letters %+v", dead)
	}
	server := h.srv.Goals(employeeID)
	if len(server) != 1 || server[0]["title"] != "Behind the stale one" {
		t.Fatalf("unexpected server goals %#v", server)
	}
}

func TestDeleteOfMissingGoalCountsAsSaved(t *testing.T) {
	h := newHarness(t)
	receipt, err := h.coord.DeleteGoal(context.Background(), "goal-404")
	if err != nil {
		t.Fatalf("delete missing goal: %v", err)
	}
	if receipt.Status != StatusSaved {
		t.Fatalf("expected saved, got %s", receipt.Status)
	}
}

func TestUpdateOfMissingGoalIsGone(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.UpdateGoal(context.Background(), "goal-404", domain.Goal{Title: "x"})
	if !errors.Is(err, ErrRecordGone) {
		t.Fatalf("expected record gone, got %v", err)
	}
	if !h.queue.IsEmpty(domain.Goals) {
		t.Fatal("missing record must not be queued")
	}
}

func TestRejectedMutationIsInvalidInput(t *testing.T) {
	h := newHarness(t)
	h.srv.FailNext(routeGoals, http.StatusUnprocessableEntity)

	_, err := h.coord.CreateGoal(context.Background(), domain.Goal{Title: "Refused"})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if !h.queue.IsEmpty(domain.Goals) || h.coord.Mode() != domain.Online {
		t.Fatal("rejection must neither queue nor change mode")
	}
}

func TestUnauthorizedMutationEndsSession(t *testing.T) {
	h := newHarness(t)
	h.srv.RevokeSessions(true)

	_, err := h.coord.CreateGoal(context.Background(), domain.Goal{Title: "Nope"})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected session expired, got %v", err)
	}
	if h.terminated.Load() != 1 {
		t.Fatalf("expected one session termination, got %d", h.terminated.Load())
	}
	if !h.queue.IsEmpty(domain.Goals) || h.coord.Mode() != domain.Online {
		t.Fatal("auth failure must neither queue nor change mode")
	}
}

func TestUnauthorizedDuringDrainKeepsEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.SetOffline(true)
	if _, err := h.coord.SubmitQuery(ctx, domain.Query{Subject: "Payslip", Message: "Missing"}); err != nil {
		t.Fatalf("submit query: %v", err)
	}
	h.srv.SetOffline(false)
	h.srv.RevokeSessions(true)

	_, err := h.coord.SyncNow(ctx)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected session expired, got %v", err)
	}
	if h.terminated.Load() != 1 {
		t.Fatalf("expected session termination, got %d", h.terminated.Load())
	}
	if got := h.queue.Len(domain.Queries); got != 1 {
		t.Fatalf("entry must survive an auth failure, queued %d", got)
	}
}

func TestOfflineQueriesFeedbackAndContact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.SetOffline(true)

	if _, err := h.coord.SubmitQuery(ctx, domain.Query{Subject: "Leave", Message: "Balance?"}); err != nil {
		t.Fatalf("submit query: %v", err)
	}
	if _, err := h.coord.SubmitFeedback(ctx, domain.FeedbackItem{Category: "culture", Message: "Great team", Rating: 5}); err != nil {
		t.Fatalf("submit feedback: %v", err)
	}
	if _, err := h.coord.UpdatePhone(ctx, "+91 98765 43210"); err != nil {
		t.Fatalf("update phone: %v", err)
	}
	if _, err := h.coord.UpdatePhone(ctx, "12"); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected invalid phone, got %v", err)
	}

	queries, err := h.coord.Queries(ctx)
	if err != nil || len(queries.Value) != 1 || !queries.Value[0].Pending() {
		t.Fatalf("unexpected queries %+v err=%v", queries, err)
	}
	contact, err := h.coord.Contact(ctx)
	if err != nil || contact.Value.Phone != "+91 98765 43210" {
		t.Fatalf("unexpected contact %+v err=%v", contact, err)
	}

	h.srv.SetOffline(false)
	report := h.sync(t)
	if !report.Clean() || report.Replayed() != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(h.srv.Queries(employeeID)) != 1 || len(h.srv.Feedback(employeeID)) != 1 {
		t.Fatal("expected query and feedback on server")
	}
	if got := h.srv.Contact(employeeID)["phone"]; got != "+91 98765 43210" {
		t.Fatalf("unexpected server phone %v", got)
	}
	feedback, err := h.coord.Feedback(ctx)
	if err != nil || len(feedback.Value) != 1 || feedback.Value[0].Pending() {
		t.Fatalf("expected confirmed feedback, got %+v err=%v", feedback, err)
	}
}

func TestBulkReplayUsesSyncEndpoint(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *outbox.Config) { c.BulkReplay = true })
	ctx := context.Background()
	h.srv.SetOffline(true)

	created, err := h.coord.CreateGoal(ctx, domain.Goal{Title: "Bulk"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.coord.ToggleGoal(ctx, created.Record.ID); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	h.srv.SetOffline(false)

	report := h.sync(t)
	if !report.Clean() || report.Domains[domain.Goals].Replayed != 2 {
		t.Fatalf("unexpected report %+v", report.Domains[domain.Goals])
	}
	if got := h.srv.Calls(routeGoalsSync); got != 1 {
		t.Fatalf("expected one bulk call, got %d", got)
	}
	if got := h.srv.Calls(routeToggle); got != 0 {
		t.Fatalf("expected no single toggle call, got %d", got)
	}
	server := h.srv.Goals(employeeID)
	if len(server) != 1 || server[0]["completed"] != true {
		t.Fatalf("unexpected server goals %#v", server)
	}
	if h.coord.ids.Resolve(created.Record.ID) != server[0]["id"] {
		t.Fatal("bulk replay must record the temp id mapping")
	}
}

func TestBulkRefusalFallsBackToSingleEntries(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *outbox.Config) { c.BulkReplay = true })
	ctx := context.Background()
	h.srv.SetOffline(true)
	if _, err := h.coord.CreateGoal(ctx, domain.Goal{Title: "One"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.srv.SetOffline(false)
	h.srv.FailNext(routeGoalsSync, http.StatusBadRequest)

	report := h.sync(t)
	if !report.Clean() {
		t.Fatalf("expected fallback to drain the queue, got %+v", report.Domains[domain.Goals])
	}
	if len(h.srv.Goals(employeeID)) != 1 {
		t.Fatal("expected goal created through the single endpoint")
	}
}

func TestSyncNowCoalescesConcurrentCallers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.SetOffline(true)
	if _, err := h.coord.CreateGoal(ctx, domain.Goal{Title: "Once"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.srv.SetOffline(false)

	started := make(chan struct{})
	release := make(chan struct{})
	h.srv.Before(routeGoals, func() {
		close(started)
		<-release
	})

	reports := make([]SyncReport, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], _ = h.coord.SyncNow(ctx)
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[1], _ = h.coord.SyncNow(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if reports[0].Replayed() != 1 || reports[1].Replayed() != 1 {
		t.Fatalf("expected both callers to share one run, got %d and %d", reports[0].Replayed(), reports[1].Replayed())
	}
	if len(h.srv.Goals(employeeID)) != 1 {
		t.Fatal("expected exactly one goal")
	}
}

func TestSyncNowWithEmptyQueueRestoresOnline(t *testing.T) {
	h := newHarness(t)
	updates, cancel := h.coord.ModeState().Subscribe()
	defer cancel()

	h.coord.ReportFailure(&gateway.Error{Kind: gateway.KindUnreachable, Op: "probe"})
	if h.coord.Mode() != domain.Offline {
		t.Fatal("expected offline after connectivity failure")
	}
	if got := <-updates; got != domain.Offline {
		t.Fatalf("expected offline notification, got %s", got)
	}

	h.coord.ReportFailure(&gateway.Error{Kind: gateway.KindRejected, Op: "probe"})
	report := h.sync(t)
	if report.Mode != domain.Online || h.coord.Mode() != domain.Online {
		t.Fatalf("expected online, got %s", report.Mode)
	}
	if got := <-updates; got != domain.Online {
		t.Fatalf("expected online notification, got %s", got)
	}
}

func TestSyncNowStaysOfflineWhileUnreachable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.SetOffline(true)
	if _, err := h.coord.SubmitFeedback(ctx, domain.FeedbackItem{Category: "tools", Message: "Slow laptop"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	report, err := h.coord.SyncNow(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Clean() || report.Mode != domain.Offline {
		t.Fatalf("expected dirty offline report, got %+v", report)
	}
	if !gateway.IsUnreachable(report.Domains[domain.Feedback].Err) {
		t.Fatalf("expected unreachable error, got %v", report.Domains[domain.Feedback].Err)
	}
}

type stubParticipant struct {
	calls atomic.Int32
	err   error
}

func (s *stubParticipant) Flush(context.Context) error {
	s.calls.Add(1)
	return s.err
}

func TestSyncNowFlushesParticipants(t *testing.T) {
	h := newHarness(t)
	ok := &stubParticipant{}
	h.coord.RegisterParticipant(ok)
	report := h.sync(t)
	if ok.calls.Load() != 1 || !report.Clean() {
		t.Fatalf("expected one clean flush, got calls=%d report=%+v", ok.calls.Load(), report)
	}

	failing := &stubParticipant{err: &gateway.Error{Kind: gateway.KindUnreachable, Op: "appraisal.update"}}
	h.coord.RegisterParticipant(failing)
	report = h.sync(t)
	if report.Clean() || len(report.ParticipantErrors) != 1 {
		t.Fatalf("expected participant error in report, got %+v", report)
	}
	if h.coord.Mode() != domain.Offline {
		t.Fatal("unreachable participant must switch to offline")
	}
}

func TestPerformanceFallsBackToCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.SetPerformance(domain.PerformanceSnapshot{EmployeeID: employeeID, Name: "Asha", Rating: 4.5, Phone: "555-0100"})

	remote, err := h.coord.Performance(ctx)
	if err != nil || remote.Source != SourceRemote || remote.Value.Name != "Asha" {
		t.Fatalf("unexpected remote read %+v err=%v", remote, err)
	}

	h.srv.SetOffline(true)
	local, err := h.coord.Performance(ctx)
	if err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if local.Source != SourceCache || local.Value.Rating != 4.5 || !local.FetchedAt.Equal(remote.FetchedAt) {
		t.Fatalf("unexpected cached read %+v", local)
	}
	if h.coord.Mode() != domain.Offline {
		t.Fatal("expected offline after unreachable read")
	}

	contact, err := h.coord.Contact(ctx)
	if err != nil || contact.Value.Phone != "555-0100" || contact.Source != SourceCache {
		t.Fatalf("unexpected contact %+v err=%v", contact, err)
	}
}

func TestPIPNotFoundIsNoData(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.PIP(context.Background())
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected no data, got %v", err)
	}

	h.srv.SetPIP(domain.PIPRecord{ID: "pip-1", EmployeeID: employeeID, Status: "active"})
	pip, err := h.coord.PIP(context.Background())
	if err != nil || pip.Value.ID != "pip-1" {
		t.Fatalf("unexpected pip %+v err=%v", pip, err)
	}
}

func TestReadWithoutCacheWhileOfflineIsNoData(t *testing.T) {
	h := newHarness(t)
	h.srv.SetOffline(true)
	if _, err := h.coord.Performance(context.Background()); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected no data, got %v", err)
	}
}

func TestRetryLoopReplaysAfterReconnect(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.coord.Start(ctx)

	h.srv.SetOffline(true)
	if _, err := h.coord.CreateGoal(ctx, domain.Goal{Title: "Auto"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.srv.SetOffline(false)

	waitFor(t, 3*time.Second, func() bool { return h.queue.IsEmpty(domain.Goals) })
	waitFor(t, time.Second, func() bool { return h.coord.Mode() == domain.Online })
	if len(h.srv.Goals(employeeID)) != 1 {
		t.Fatal("expected the goal to be replayed")
	}
}

func TestRetryLoopGivesUpAfterLimit(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *outbox.Config) { c.RetryLimit = 2 })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.coord.Start(ctx)

	h.srv.SetOffline(true)
	if _, err := h.coord.CreateGoal(ctx, domain.Goal{Title: "Never"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// one direct attempt plus two automatic runs
	waitFor(t, 3*time.Second, func() bool { return h.srv.Calls(routeGoals) >= 3 })
	time.Sleep(200 * time.Millisecond)
	if got := h.srv.Calls(routeGoals); got != 3 {
		t.Fatalf("expected retries to stop at the limit, got %d calls", got)
	}
	if h.queue.Len(domain.Goals) != 1 {
		t.Fatal("entry must stay queued")
	}
}

func TestSyncNowEmitsSpanAndMetrics(t *testing.T) {
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	h := newHarness(t)
	ctx := context.Background()
	h.srv.SetOffline(true)
	if _, err := h.coord.CreateGoal(ctx, domain.Goal{Title: "Traced"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.srv.SetOffline(false)
	h.sync(t)

	if err := tp.ForceFlush(ctx); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	var syncSpan, mutateSpan tracetest.SpanStub
	for _, s := range exporter.GetSpans() {
		switch s.Name {
		case "coordinator.sync_now":
			syncSpan = s
		case "coordinator.mutate":
			mutateSpan = s
		}
	}
	if syncSpan.Name == "" || mutateSpan.Name == "" {
		t.Fatalf("expected sync and mutate spans, got %d spans", len(exporter.GetSpans()))
	}
	attrs := attributesToMap(syncSpan.Attributes)
	if attrs["sync.mode"] != string(domain.Online) {
		t.Fatalf("unexpected sync.mode %#v", attrs["sync.mode"])
	}
	if replayed, ok := attrs["sync.replayed"].(int64); !ok || replayed != 1 {
		t.Fatalf("unexpected sync.replayed %#v", attrs["sync.replayed"])
	}
	if syncSpan.Status.Code != codes.Ok {
		t.Fatalf("expected span status Ok, got %v", syncSpan.Status.Code)
	}
	if got := attributesToMap(mutateSpan.Attributes)["sync.status"]; got != string(StatusPending) {
		t.Fatalf("unexpected mutate status %#v", got)
	}

	var metrics *log.Entry
	for _, entry := range h.hook.AllEntries() {
		if entry.Message == "sync.run.metrics" {
			metrics = entry
		}
	}
	if metrics == nil {
		t.Fatal("expected sync.run.metrics log entry")
	}
	if metrics.Data["replayed"] != 1 || metrics.Data["clean"] != true {
		t.Fatalf("unexpected metrics fields %#v", metrics.Data)
	}
	if _, ok := metrics.Data["goals_ms"]; !ok {
		t.Fatalf("expected per-domain duration, got %#v", metrics.Data)
	}
}

func TestModeStateSubscription(t *testing.T) {
	m := NewModeState(domain.Online)
	ch, cancel := m.Subscribe()

	if m.set(domain.Online) {
		t.Fatal("setting the current mode must not report a change")
	}
	m.set(domain.Offline)
	m.set(domain.Online)
	if got := <-ch; got != domain.Online {
		t.Fatalf("slow subscriber should see the latest mode, got %s", got)
	}

	cancel()
	cancel()
	if _, open := <-ch; open {
		t.Fatal("expected channel closed after cancel")
	}
	m.set(domain.Offline)
}

func TestApplyEntryOverlay(t *testing.T) {
	identity := func(id string) string { return id }
	list := []domain.Record{{ID: "goal-1", Payload: []byte(`{"title":"a","completed":false}`), Status: domain.RecordConfirmed}}

	toggled := applyEntry(list, domain.OutboxEntry{Operation: domain.OpToggle, Domain: domain.Goals, RecordID: "goal-1"}, identity)
	if !toggled[0].Completed || !toggled[0].Pending() || !payloadCompleted(toggled[0].Payload) {
		t.Fatalf("unexpected toggled record %+v", toggled[0])
	}
	if list[0].Completed {
		t.Fatal("overlay must not modify its input")
	}

	created := applyEntry(toggled, domain.OutboxEntry{Operation: domain.OpCreate, Domain: domain.Goals, RecordID: "tmp-x", Payload: []byte(`{"title":"b"}`)}, identity)
	if len(created) != 2 || created[1].ID != "tmp-x" {
		t.Fatalf("unexpected list after create %+v", created)
	}

	confirmed := applyConfirmed(created, domain.OutboxEntry{Operation: domain.OpCreate, Domain: domain.Goals, RecordID: "tmp-x"},
		domain.Record{ID: "goal-2", Status: domain.RecordConfirmed}, identity)
	if len(confirmed) != 2 || confirmed[1].ID != "goal-2" || confirmed[1].CreatedAt.IsZero() {
		t.Fatalf("unexpected list after confirm %+v", confirmed)
	}

	deleted := applyEntry(confirmed, domain.OutboxEntry{Operation: domain.OpDelete, Domain: domain.Goals, RecordID: "goal-1"}, identity)
	if len(deleted) != 1 || deleted[0].ID != "goal-2" {
		t.Fatalf("unexpected list after delete %+v", deleted)
	}
}

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	cleanup := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	}
	return tp, exporter, cleanup
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestFailedDomainKeepsOnlyItsEntriesQueued(t *testing.T) {
	for name, status := range map[string]int{
		"unreachable": http.StatusServiceUnavailable,
		"stale":       http.StatusNotFound,
	} {
		name, status := name, status
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.srv.SetOffline(true)
			if _, err := h.coord.CreateGoal(ctx, domain.Goal{Title: "Drains"}); err != nil {
				t.Fatalf("create goal: %v", err)
			}
			if _, err := h.coord.SubmitFeedback(ctx, domain.FeedbackItem{Category: "tools", Message: "Stuck"}); err != nil {
				t.Fatalf("submit feedback: %v", err)
			}
			h.srv.SetOffline(false)
			h.srv.FailNext("POST /employee/:emp/feedback", status)

			report := h.sync(t)
			if report.Clean() || report.Domains[domain.Feedback].Err == nil {
				t.Fatalf("expected feedback to fail, got %+v", report.Domains[domain.Feedback])
			}
			if !h.queue.IsEmpty(domain.Goals) || report.Domains[domain.Goals].Replayed != 1 {
				t.Fatalf("goals must drain independently, got %+v", report.Domains[domain.Goals])
			}
			if h.queue.Len(domain.Feedback) != 1 {
				t.Fatalf("expected the feedback entry to stay queued, got %d", h.queue.Len(domain.Feedback))
			}
			if h.coord.Mode() != domain.Offline {
				t.Fatalf("expected offline after a partial drain, got %s", h.coord.Mode())
			}
			if len(h.srv.Goals(employeeID)) != 1 || len(h.srv.Feedback(employeeID)) != 0 {
				t.Fatal("unexpected server state after partial drain")
			}
		})
	}
}

func TestParticipantRejectionKeepsModeOffline(t *testing.T) {
	h := newHarness(t)
	p := &stubParticipant{err: &gateway.Error{Kind: gateway.KindRejected, Op: "appraisal.update", Status: http.StatusBadRequest}}
	h.coord.RegisterParticipant(p)

	report := h.sync(t)
	if report.Clean() || report.Mode != domain.Offline || h.coord.Mode() != domain.Offline {
		t.Fatalf("expected offline after a participant failure, got %s", h.coord.Mode())
	}
	var warned bool
	for _, entry := range h.hook.AllEntries() {
		if entry.Level == log.WarnLevel && entry.Message == "sync left work pending, staying offline" {
			warned = entry.Data[log.ErrorKey] != nil
		}
	}
	if !warned {
		t.Fatal("expected the failure cause to be logged")
	}

	p.err = nil
	report = h.sync(t)
	if !report.Clean() || h.coord.Mode() != domain.Online {
		t.Fatalf("expected online after a clean run, got %s", h.coord.Mode())
	}
}

// truncatedBatch drops the last entry from every bulk response.
type truncatedBatch struct {
	gateway.Records
}

func (b truncatedBatch) ApplyBatch(ctx context.Context, employeeID string, d domain.Domain, entries []domain.OutboxEntry) (map[string]domain.Record, error) {
	results, err := b.Records.ApplyBatch(ctx, employeeID, d, entries)
	if err == nil && len(entries) > 0 {
		delete(results, entries[len(entries)-1].ID)
	}
	return results, err
}

func TestIncompleteBulkResponseConfirmsNothing(t *testing.T) {
	h := newHarnessWithGateway(t,
		func(r gateway.Records) gateway.Records { return truncatedBatch{r} },
		func(c *Config, _ *outbox.Config) { c.BulkReplay = true },
	)
	ctx := context.Background()
	h.srv.SetOffline(true)
	var temps []string
	for _, title := range []string{"First", "Second"} {
		receipt, err := h.coord.CreateGoal(ctx, domain.Goal{Title: title})
		if err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
		temps = append(temps, receipt.Record.ID)
	}
	h.srv.SetOffline(false)

	report := h.sync(t)
	if report.Domains[domain.Goals].Err == nil || h.queue.Len(domain.Goals) != 2 {
		t.Fatalf("expected the whole batch to stay queued, got %+v", report.Domains[domain.Goals])
	}
	for _, id := range temps {
		if got := h.coord.ids.Resolve(id); got != id {
			t.Fatalf("temporary id %s mapped to %s before the batch was acknowledged", id, got)
		}
	}
	goals, err := h.coord.cachedRecords(ctx, domain.Goals)
	if err != nil {
		t.Fatalf("cached goals: %v", err)
	}
	for _, rec := range goals.Value {
		if !rec.Pending() {
			t.Fatalf("record %s confirmed from an incomplete batch", rec.ID)
		}
	}
}

func TestSyncNowSurvivesFirstCallerCancelling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.SetOffline(true)
	if _, err := h.coord.CreateGoal(ctx, domain.Goal{Title: "Outlives its caller"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.srv.SetOffline(false)

	started := make(chan struct{})
	release := make(chan struct{})
	h.srv.Before(routeGoals, func() {
		close(started)
		<-release
	})

	firstCtx, cancelFirst := context.WithCancel(ctx)
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.coord.SyncNow(firstCtx)
		firstErr <- err
	}()
	<-started

	type result struct {
		report SyncReport
		err    error
	}
	second := make(chan result, 1)
	go func() {
		report, err := h.coord.SyncNow(ctx)
		second <- result{report, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected the cancelled caller to get context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting for the shared run")
	}

	close(release)
	res := <-second
	if res.err != nil || res.report.Replayed() != 1 {
		t.Fatalf("expected the joined caller to see the run finish, got %+v err=%v", res.report, res.err)
	}
	if len(h.srv.Goals(employeeID)) != 1 || !h.queue.IsEmpty(domain.Goals) {
		t.Fatal("expected the goal to be delivered")
	}
}
