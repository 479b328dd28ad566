package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"governance-reconciler/internal/engine"
	"governance-reconciler/internal/models"
	"governance-reconciler/internal/rules"
	"governance-reconciler/internal/store"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const tenant = "tenant-a"

// memStore is an in-memory implementation of engine.Store.
type memStore struct {
	mu      sync.Mutex
	sources map[models.SourceKind][]models.SourceRecord
	listErr map[models.SourceKind]error
	links   map[models.LinkKey]models.AutomationLink
	targets map[models.TargetKind]map[string]*models.TargetRecord
	runs    []*models.AutomationRun
	nextID  int

	// createTargetErr fails CreateTarget for payloads with this title.
	createTargetErr map[string]error

	// scanStarted receives once when the first ListSources begins;
	// scanRelease, when set, blocks ListSources until closed or ctx ends.
	scanStarted chan struct{}
	scanRelease chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		sources:         map[models.SourceKind][]models.SourceRecord{},
		listErr:         map[models.SourceKind]error{},
		links:           map[models.LinkKey]models.AutomationLink{},
		targets:         map[models.TargetKind]map[string]*models.TargetRecord{},
		createTargetErr: map[string]error{},
	}
}

func (m *memStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *memStore) ListSources(ctx context.Context, kind models.SourceKind, tenantID string) ([]models.SourceRecord, error) {
	if m.scanStarted != nil {
		select {
		case m.scanStarted <- struct{}{}:
		default:
		}
	}
	if m.scanRelease != nil {
		select {
		case <-m.scanRelease:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.listErr[kind]; err != nil {
		return nil, err
	}
	var out []models.SourceRecord
	for _, src := range m.sources[kind] {
		src.Kind = kind
		src.TenantID = tenantID
		out = append(out, src)
	}
	return out, nil
}

func (m *memStore) FindLink(_ context.Context, key models.LinkKey) (models.AutomationLink, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[key]
	return link, ok, nil
}

func (m *memStore) UpsertLink(_ context.Context, link models.AutomationLink) (models.AutomationLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := link.Key()
	if existing, ok := m.links[key]; ok {
		link.ID = existing.ID
		link.CreatedAt = existing.CreatedAt
	} else if link.ID == "" {
		link.ID = m.id("link")
		link.CreatedAt = link.LastEvaluatedAt
	}
	link.UpdatedAt = link.LastEvaluatedAt
	m.links[key] = link
	return link, nil
}

func (m *memStore) MarkLinksStale(_ context.Context, tenantID, automationType string, sourceType models.SourceKind, targetType models.TargetKind, activeSourceIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := map[string]bool{}
	for _, id := range activeSourceIDs {
		active[id] = true
	}
	n := 0
	for key, link := range m.links {
		if key.TenantID != tenantID || key.AutomationType != automationType ||
			key.SourceType != sourceType || key.TargetType != targetType {
			continue
		}
		if link.Status == models.LinkActive && !active[key.SourceID] {
			link.Status = models.LinkStale
			m.links[key] = link
			n++
		}
	}
	return n, nil
}

func (m *memStore) LinkSummary(_ context.Context, tenantID string) (models.LinkSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := models.LinkSummary{ByType: map[models.TargetKind]int{}}
	for key := range m.links {
		if key.TenantID != tenantID {
			continue
		}
		summary.ByType[key.TargetType]++
		summary.Total++
	}
	return summary, nil
}

func (m *memStore) CreateTarget(_ context.Context, kind models.TargetKind, tenantID string, p models.TargetPayload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.createTargetErr[p.Title]; err != nil {
		return "", err
	}
	id := m.id("tgt")
	if m.targets[kind] == nil {
		m.targets[kind] = map[string]*models.TargetRecord{}
	}
	m.targets[kind][id] = &models.TargetRecord{Kind: kind, ID: id, TenantID: tenantID, Title: p.Title, Status: "open"}
	return id, nil
}

func (m *memStore) GetTarget(_ context.Context, kind models.TargetKind, tenantID, id string) (models.TargetRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.targets[kind][id]
	if !ok || rec.TenantID != tenantID {
		return models.TargetRecord{}, false, nil
	}
	return *rec, true, nil
}

func (m *memStore) RefreshTarget(_ context.Context, kind models.TargetKind, tenantID, id string, p models.TargetPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.targets[kind][id]
	if !ok {
		return errors.New("target not found")
	}
	rec.Title = p.Title
	return nil
}

func (m *memStore) CreateRun(_ context.Context, tenantID, trigger string, startedAt time.Time) (models.AutomationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.TenantID == tenantID && r.Status == models.RunRunning {
			return models.AutomationRun{}, store.ErrRunActive
		}
	}
	run := &models.AutomationRun{
		ID:        m.id("run"),
		TenantID:  tenantID,
		Trigger:   trigger,
		Status:    models.RunRunning,
		StartedAt: startedAt,
		CreatedAt: startedAt,
	}
	m.runs = append(m.runs, run)
	out := *run
	return out, nil
}

func (m *memStore) FinishRun(_ context.Context, id, status string, counts models.RunCounts, details string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == id && r.Status == models.RunRunning {
			r.Status = status
			r.RunCounts = counts
			r.Details = details
			r.CompletedAt = &completedAt
			return nil
		}
	}
	return fmt.Errorf("run %s is not running", id)
}

func (m *memStore) LatestRun(_ context.Context, tenantID string) (*models.AutomationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.AutomationRun
	for _, r := range m.runs {
		if r.TenantID != tenantID {
			continue
		}
		if latest == nil || r.StartedAt.After(latest.StartedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

func (m *memStore) FailStaleRuns(_ context.Context, tenantID string, maxAge time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.TenantID == tenantID && r.Status == models.RunRunning && r.StartedAt.Before(now.Add(-maxAge)) {
			r.Status = models.RunFailed
			t := now
			r.CompletedAt = &t
			n++
		}
	}
	return n, nil
}

func (m *memStore) linkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

func (m *memStore) singleLink(t *testing.T) models.AutomationLink {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.links) != 1 {
		t.Fatalf("expected exactly one link, have %d", len(m.links))
	}
	for _, link := range m.links {
		return link
	}
	return models.AutomationLink{}
}

func newEngine(ms *memStore, opts ...engine.Option) *engine.Engine {
	opts = append(opts, engine.WithClock(func() time.Time { return testNow }))
	return engine.New(ms, rules.Catalog(), time.Minute, opts...)
}

func daysFromNow(n int) *time.Time {
	d := testNow.Add(time.Duration(n) * 24 * time.Hour)
	return &d
}

func TestRunCreatesRiskForExpiringContract(t *testing.T) {
	ms := newMemStore()
	ms.sources[models.SourceContract] = []models.SourceRecord{
		{ID: "c-1", Title: "Acme Hosting Agreement", EndDate: daysFromNow(5), RenewalNoticeDays: 30},
	}
	eng := newEngine(ms)

	run, err := eng.Run(context.Background(), tenant, models.TriggerManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	if run.Created != 1 || run.Processed != 1 {
		t.Fatalf("unexpected counts: %+v", run.RunCounts)
	}
	if run.CompletedAt == nil {
		t.Fatal("completed run must carry completed_at")
	}

	link := ms.singleLink(t)
	if link.TargetType != models.TargetRisk || link.TargetID == nil {
		t.Fatalf("link should point at a risk, got %+v", link)
	}
	target, ok, _ := ms.GetTarget(context.Background(), models.TargetRisk, tenant, *link.TargetID)
	if !ok {
		t.Fatal("risk record should exist")
	}
	if !strings.Contains(target.Title, "Acme Hosting Agreement") {
		t.Fatalf("risk should reference the contract title, got %q", target.Title)
	}
}

func TestSecondRunIsIdempotent(t *testing.T) {
	ms := newMemStore()
	ms.sources[models.SourcePolicy] = []models.SourceRecord{
		{ID: "p-1", Title: "Access Control Policy", NextReviewDue: daysFromNow(-5)},
	}
	eng := newEngine(ms)

	first, err := eng.Run(context.Background(), tenant, models.TriggerManual)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Created != 1 {
		t.Fatalf("first run should create a finding: %+v", first.RunCounts)
	}

	second, err := eng.Run(context.Background(), tenant, models.TriggerManual)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Created != 0 {
		t.Fatalf("second run must not create again: %+v", second.RunCounts)
	}
	if second.Updated != 1 {
		t.Fatalf("unchanged match should refresh the finding: %+v", second.RunCounts)
	}
	if ms.linkCount() != 1 {
		t.Fatalf("link count changed across runs: %d", ms.linkCount())
	}
}

func TestClosedTargetIsSkipped(t *testing.T) {
	ms := newMemStore()
	ms.sources[models.SourcePolicy] = []models.SourceRecord{
		{ID: "p-1", Title: "Access Control Policy", NextReviewDue: daysFromNow(-5)},
	}
	eng := newEngine(ms)

	if _, err := eng.Run(context.Background(), tenant, models.TriggerManual); err != nil {
		t.Fatalf("first run: %v", err)
	}
	link := ms.singleLink(t)
	ms.mu.Lock()
	ms.targets[models.TargetFinding][*link.TargetID].Status = "resolved"
	ms.mu.Unlock()

	run, err := eng.Run(context.Background(), tenant, models.TriggerManual)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if run.Skipped != 1 || run.Created != 0 || run.Updated != 0 {
		t.Fatalf("resolved finding must be skipped, not reopened: %+v", run.RunCounts)
	}
	// The link is still touched on every match.
	if got := ms.singleLink(t); !got.LastEvaluatedAt.Equal(testNow) {
		t.Fatalf("link last_evaluated_at not refreshed: %v", got.LastEvaluatedAt)
	}
}

func TestMissingTargetIsRecreated(t *testing.T) {
	ms := newMemStore()
	ms.sources[models.SourceVulnerability] = []models.SourceRecord{
		{ID: "v-1", Title: "CVE-2025-0001", Severity: "critical", Status: "open"},
	}
	eng := newEngine(ms)

	if _, err := eng.Run(context.Background(), tenant, models.TriggerManual); err != nil {
		t.Fatalf("first run: %v", err)
	}
	link := ms.singleLink(t)
	oldTarget := *link.TargetID
	ms.mu.Lock()
	delete(ms.targets[models.TargetChangeRequest], oldTarget)
	ms.mu.Unlock()

	run, err := eng.Run(context.Background(), tenant, models.TriggerManual)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if run.Created != 1 {
		t.Fatalf("deleted target should be recreated: %+v", run.RunCounts)
	}
	relinked := ms.singleLink(t)
	if relinked.TargetID == nil || *relinked.TargetID == oldTarget {
		t.Fatalf("link should point at the recreated target, got %+v", relinked.TargetID)
	}
	if ms.linkCount() != 1 {
		t.Fatalf("recreation must reuse the link, have %d", ms.linkCount())
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	ms := newMemStore()
	ms.sources[models.SourceVulnerability] = []models.SourceRecord{
		{ID: "v-1", Title: "CVE-2025-0001", Severity: "critical", Status: "open"},
		{ID: "v-2", Title: "CVE-2025-0002", Severity: "critical", Status: "open"},
	}
	ms.createTargetErr["Remediate critical vulnerability: CVE-2025-0001"] = errors.New("validation rejected")
	eng := newEngine(ms)

	run, err := eng.Run(context.Background(), tenant, models.TriggerManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Fatalf("absorbed errors must not fail the run: %s", run.Status)
	}
	if run.Processed != 2 || run.Created != 1 || run.Errors != 1 {
		t.Fatalf("one failure must not block the other source: %+v", run.RunCounts)
	}
	if !strings.Contains(run.Details, "v-1") {
		t.Fatalf("details should name the failing source: %q", run.Details)
	}
}

func TestScanErrorIsPerRule(t *testing.T) {
	ms := newMemStore()
	ms.listErr[models.SourceContract] = errors.New("store unavailable")
	ms.sources[models.SourcePolicy] = []models.SourceRecord{
		{ID: "p-1", Title: "Retention Policy", NextReviewDue: daysFromNow(-1)},
	}
	eng := newEngine(ms)

	run, err := eng.Run(context.Background(), tenant, models.TriggerManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Fatalf("a failing rule scan must not abort the pass: %s", run.Status)
	}
	if run.Errors != 1 {
		t.Fatalf("scan failure counts once: %+v", run.RunCounts)
	}
	if run.Created != 1 {
		t.Fatalf("later rules must still be evaluated: %+v", run.RunCounts)
	}
}

func TestStaleMarkingWhenConditionResolves(t *testing.T) {
	ms := newMemStore()
	ms.sources[models.SourceVulnerability] = []models.SourceRecord{
		{ID: "v-1", Title: "CVE-2025-0001", Severity: "critical", Status: "open"},
	}
	eng := newEngine(ms)

	if _, err := eng.Run(context.Background(), tenant, models.TriggerManual); err != nil {
		t.Fatalf("first run: %v", err)
	}

	ms.mu.Lock()
	ms.sources[models.SourceVulnerability][0].Status = "patched"
	ms.mu.Unlock()

	run, err := eng.Run(context.Background(), tenant, models.TriggerManual)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if run.Created != 0 {
		t.Fatalf("patched vulnerability must not create again: %+v", run.RunCounts)
	}
	link := ms.singleLink(t)
	if link.Status != models.LinkStale {
		t.Fatalf("link should go stale once the condition resolves, got %s", link.Status)
	}
	// The change request was never touched.
	if _, ok, _ := ms.GetTarget(context.Background(), models.TargetChangeRequest, tenant, *link.TargetID); !ok {
		t.Fatal("stale link's target must be left alone")
	}
}

func TestConcurrentRunIsRejected(t *testing.T) {
	ms := newMemStore()
	ms.sources[models.SourceContract] = []models.SourceRecord{
		{ID: "c-1", Title: "Acme Hosting Agreement", EndDate: daysFromNow(5), RenewalNoticeDays: 30},
	}
	ms.scanStarted = make(chan struct{}, 1)
	ms.scanRelease = make(chan struct{})
	eng := newEngine(ms)

	done := make(chan error, 1)
	go func() {
		_, err := eng.Run(context.Background(), tenant, models.TriggerManual)
		done <- err
	}()

	<-ms.scanStarted
	if _, err := eng.Run(context.Background(), tenant, models.TriggerManual); !errors.Is(err, engine.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	close(ms.scanRelease)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}

	status, err := eng.Status(context.Background(), tenant)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Running {
		t.Fatal("running must clear once the pass is terminal")
	}
}

func TestRunTimeoutEndsFailed(t *testing.T) {
	ms := newMemStore()
	ms.scanRelease = make(chan struct{}) // never released; only ctx frees the scan
	eng := engine.New(ms, rules.Catalog(), 50*time.Millisecond,
		engine.WithClock(func() time.Time { return testNow }))

	run, err := eng.Run(context.Background(), tenant, models.TriggerManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.RunFailed {
		t.Fatalf("timed-out pass must end failed, got %s", run.Status)
	}
	if run.CompletedAt == nil {
		t.Fatal("timed-out run must still reach a terminal state")
	}

	status, err := eng.Status(context.Background(), tenant)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Running {
		t.Fatal("status must never report a permanently running pass")
	}
}

func TestStatusReportsLinkSummary(t *testing.T) {
	ms := newMemStore()
	ms.sources[models.SourceContract] = []models.SourceRecord{
		{ID: "c-1", Title: "Acme Hosting Agreement", EndDate: daysFromNow(5), RenewalNoticeDays: 30},
	}
	ms.sources[models.SourcePolicy] = []models.SourceRecord{
		{ID: "p-1", Title: "Access Control Policy", NextReviewDue: daysFromNow(-5)},
	}
	eng := newEngine(ms)

	if _, err := eng.Run(context.Background(), tenant, models.TriggerManual); err != nil {
		t.Fatalf("run: %v", err)
	}

	status, err := eng.Status(context.Background(), tenant)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.LinkSummary.Total != 2 {
		t.Fatalf("link summary should count all links, got %d", status.LinkSummary.Total)
	}
	if status.LinkSummary.ByType[models.TargetRisk] != 1 || status.LinkSummary.ByType[models.TargetFinding] != 1 {
		t.Fatalf("unexpected per-type summary: %+v", status.LinkSummary.ByType)
	}
	if status.LastRun == nil || status.LastRun.Status != models.RunCompleted {
		t.Fatalf("last run should be the completed pass: %+v", status.LastRun)
	}
}

func TestRejectionWhenStoreHasRunningRow(t *testing.T) {
	ms := newMemStore()
	// Another process's run, still inside its allowed duration.
	ms.runs = append(ms.runs, &models.AutomationRun{
		ID: "run-elsewhere", TenantID: tenant, Status: models.RunRunning, StartedAt: testNow.Add(-time.Second),
	})
	eng := newEngine(ms)

	if _, err := eng.Run(context.Background(), tenant, models.TriggerManual); !errors.Is(err, engine.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress from store guard, got %v", err)
	}

	status, err := eng.Status(context.Background(), tenant)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Running {
		t.Fatal("status should surface the other process's running row")
	}
}

func TestAbandonedRunIsSweptBeforeStart(t *testing.T) {
	ms := newMemStore()
	ms.runs = append(ms.runs, &models.AutomationRun{
		ID: "run-stuck", TenantID: tenant, Status: models.RunRunning, StartedAt: testNow.Add(-time.Hour),
	})
	eng := newEngine(ms)

	run, err := eng.Run(context.Background(), tenant, models.TriggerManual)
	if err != nil {
		t.Fatalf("run after sweep: %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Fatalf("fresh run should complete, got %s", run.Status)
	}

	ms.mu.Lock()
	stuck := ms.runs[0]
	ms.mu.Unlock()
	if stuck.Status != models.RunFailed {
		t.Fatalf("abandoned run should be failed, got %s", stuck.Status)
	}
}
