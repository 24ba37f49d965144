package message

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/domain/result"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/hl7"
	"github.com/lims/lims/internal/platform/notification"
	"github.com/lims/lims/internal/platform/tasks"
)

// =========== Mocks ===========

type mockRepo struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*InboundMessage
}

func newMockRepo() *mockRepo {
	return &mockRepo{messages: make(map[uuid.UUID]*InboundMessage)}
}

func (m *mockRepo) Create(ctx context.Context, msg *InboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(ctx context.Context, id uuid.UUID) (*InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *mockRepo) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*InboundMessage, error) {
	return m.GetByID(ctx, id)
}

func (m *mockRepo) Update(ctx context.Context, msg *InboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; !ok {
		return ErrNotFound
	}
	msg.UpdatedAt = time.Now().UTC()
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *mockRepo) List(ctx context.Context, status Status, limit, offset int) ([]*InboundMessage, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*InboundMessage
	for _, msg := range m.messages {
		if status == "" || msg.Status == status {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) CountByStatus(ctx context.Context) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Status]int)
	for _, msg := range m.messages {
		counts[msg.Status]++
	}
	return counts, nil
}

func (m *mockRepo) ListStuckProcessing(ctx context.Context, cutoff time.Time) ([]*InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*InboundMessage
	for _, msg := range m.messages {
		if msg.Status == StatusProcessing && msg.UpdatedAt.Before(cutoff) {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) PurgeSettledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, msg := range m.messages {
		if (msg.Status == StatusProcessed || msg.Status == StatusRejected) && msg.ReceivedAt.Before(cutoff) {
			delete(m.messages, id)
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) ErrorRateSince(ctx context.Context, since time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var failed, settled int
	for _, msg := range m.messages {
		if msg.UpdatedAt.Before(since) {
			continue
		}
		switch msg.Status {
		case StatusError:
			failed++
			settled++
		case StatusProcessed:
			settled++
		}
	}
	if settled == 0 {
		return 0, nil
	}
	return float64(failed) / float64(settled), nil
}

func (m *mockRepo) AvgProcessingSeconds(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	var n int
	for _, msg := range m.messages {
		if msg.ProcessingSeconds != nil {
			sum += *msg.ProcessingSeconds
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

type mockResultRepo struct {
	mu        sync.Mutex
	records   map[uuid.UUID]*result.Record
	upsertErr error
}

func newMockResultRepo() *mockResultRepo {
	return &mockResultRepo{records: make(map[uuid.UUID]*result.Record)}
}

func (m *mockResultRepo) Upsert(ctx context.Context, rec *result.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return false, m.upsertErr
	}
	for _, existing := range m.records {
		if existing.MessageID == rec.MessageID && existing.SetID == rec.SetID {
			existing.Value = rec.Value
			rec.ID = existing.ID
			return false, nil
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return true, nil
}

func (m *mockResultRepo) GetByID(ctx context.Context, id uuid.UUID) (*result.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, result.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *mockResultRepo) GetByMessageAndSetID(ctx context.Context, messageID uuid.UUID, setID string) (*result.Record, error) {
	return nil, result.ErrNotFound
}

func (m *mockResultRepo) Update(ctx context.Context, rec *result.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *mockResultRepo) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*result.Record, error) {
	return nil, nil
}
func (m *mockResultRepo) ListCritical(ctx context.Context, limit, offset int) ([]*result.Record, int, error) {
	return nil, 0, nil
}
func (m *mockResultRepo) ListAbnormal(ctx context.Context, limit, offset int) ([]*result.Record, int, error) {
	return nil, 0, nil
}
func (m *mockResultRepo) ListPendingValidation(ctx context.Context, limit int) ([]*result.Record, error) {
	return nil, nil
}

func (m *mockResultRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type mockRunRepo struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*workflow.Run
}

func newMockRunRepo() *mockRunRepo {
	return &mockRunRepo{runs: make(map[uuid.UUID]*workflow.Run)}
}

func (m *mockRunRepo) Create(ctx context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.WorkflowID == "" {
		run.WorkflowID = run.ID.String()
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*workflow.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *mockRunRepo) Update(ctx context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockRunRepo) ListByResult(ctx context.Context, resultID uuid.UUID) ([]*workflow.Run, error) {
	return nil, nil
}

func (m *mockRunRepo) ListByStatus(ctx context.Context, status workflow.Status, limit int) ([]*workflow.Run, error) {
	return nil, nil
}

func (m *mockRunRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

type mockAuditRepo struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (m *mockAuditRepo) Record(ctx context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockAuditRepo) ListByMessage(ctx context.Context, id uuid.UUID) ([]*audit.Entry, error) {
	return nil, nil
}
func (m *mockAuditRepo) ListByResult(ctx context.Context, id uuid.UUID) ([]*audit.Entry, error) {
	return nil, nil
}
func (m *mockAuditRepo) ListByWorkflow(ctx context.Context, id uuid.UUID) ([]*audit.Entry, error) {
	return nil, nil
}
func (m *mockAuditRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// passthroughTx runs the function directly; repositories here are in-memory
// and transaction-free.
type passthroughTx struct{}

func (passthroughTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type queuedJob struct {
	name   string
	job    tasks.Job
	policy tasks.RetryPolicy
}

// mockQueue records enqueued jobs; tests run them explicitly via drain.
type mockQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
}

func (q *mockQueue) Enqueue(name string, job tasks.Job, policy tasks.RetryPolicy) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, queuedJob{name: name, job: job, policy: policy})
	return nil
}

func (q *mockQueue) names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, j := range q.jobs {
		out = append(out, j.name)
	}
	return out
}

// drain runs every currently queued job once. Jobs enqueued while draining
// are left for the next drain.
func (q *mockQueue) drain(ctx context.Context) []error {
	q.mu.Lock()
	pending := q.jobs
	q.jobs = nil
	q.mu.Unlock()

	var errs []error
	for _, j := range pending {
		if err := j.job(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

type foundOrderLocator struct{ found bool }

func (l foundOrderLocator) Locate(ctx context.Context, placerOrderNumber string) (bool, error) {
	return l.found, nil
}

type fixture struct {
	svc     *Service
	repo    *mockRepo
	results *mockResultRepo
	runs    *mockRunRepo
	queue   *mockQueue
}

func newFixture(orders OrderLocator) *fixture {
	repo := newMockRepo()
	results := newMockResultRepo()
	runs := newMockRunRepo()
	queue := &mockQueue{}
	auditSvc := audit.NewService(&mockAuditRepo{}, zerolog.Nop())
	notifier := notification.NewManager(&notification.MockEmailSender{}, nil,
		notification.NewTemplateEngine(), zerolog.Nop())
	directory := &notification.StaticDirectory{}
	engine := workflow.NewEngine(runs, results, notifier, directory, auditSvc, zerolog.Nop())

	svc := NewService(repo, results, engine, queue, passthroughTx{}, orders, auditSvc, zerolog.Nop())
	return &fixture{svc: svc, repo: repo, results: results, runs: runs, queue: queue}
}

func rawMessage(msgType, controlID string, extra ...string) []byte {
	lines := []string{
		"MSH|^~\\&|LabSystem|LabFac|EHRFac|EHRSite|20231201120000||" + msgType + "|" + controlID + "|P|2.5.1",
	}
	lines = append(lines, extra...)
	return []byte(strings.Join(lines, "\r"))
}

func rawORU(controlID string) []byte {
	return rawMessage("ORU^R01", controlID,
		"PID|1||PAT001||Doe^John||19800101|M",
		"OBR|1|ORD100|FIL100|CBC^Complete Blood Count",
		"OBX|1|NM|GLU^Glucose|1|35|mg/dL|70-110|LL|||F|||20231201120000",
		"OBX|2|NM|NA^Sodium|1|140|mmol/L|135-145|N|||F|||20231201120000",
	)
}

// =========== Tests ===========

func TestIngest_StoresReceivedMessageAndSchedulesProcessing(t *testing.T) {
	f := newFixture(nil)

	msg, err := f.svc.Ingest(context.Background(), rawORU("MSG00001"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Status != StatusReceived {
		t.Errorf("expected received, got %s", msg.Status)
	}
	if msg.MessageControlID != "MSG00001" {
		t.Errorf("expected control id MSG00001, got %q", msg.MessageControlID)
	}
	if msg.MessageType != TypeResult {
		t.Errorf("expected result type, got %s", msg.MessageType)
	}
	if msg.SendingFacility != "LabFac" || msg.ReceivingFacility != "EHRFac" {
		t.Errorf("unexpected facilities: %q / %q", msg.SendingFacility, msg.ReceivingFacility)
	}
	if msg.MaxRetries != DefaultMaxRetries {
		t.Errorf("expected default retry budget, got %d", msg.MaxRetries)
	}
	if msg.Structure == nil || msg.Structure.TotalSegments != 5 {
		t.Errorf("unexpected structure: %+v", msg.Structure)
	}

	names := f.queue.names()
	if len(names) != 1 || names[0] != "process-message:MSG00001" {
		t.Errorf("unexpected queued jobs: %v", names)
	}
}

func TestIngest_MissingControlIDIsRejected(t *testing.T) {
	f := newFixture(nil)

	msg, err := f.svc.Ingest(context.Background(), []byte("PID|1||PAT001||Doe^John"))
	if !errors.Is(err, ErrMissingControlID) {
		t.Fatalf("expected ErrMissingControlID, got %v", err)
	}
	if msg.Status != StatusRejected {
		t.Errorf("expected rejected, got %s", msg.Status)
	}
	stored, err := f.repo.GetByID(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("rejected message should be persisted: %v", err)
	}
	if stored.ErrorMessage == "" {
		t.Error("expected rejection reason to be recorded")
	}
	if len(f.queue.names()) != 0 {
		t.Error("rejected message must not be scheduled")
	}
}

func TestIngest_EmptyBody(t *testing.T) {
	f := newFixture(nil)
	if _, err := f.svc.Ingest(context.Background(), []byte("  \n ")); !errors.Is(err, hl7.ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestProcess_ResultMessageMaterializesResultsAndWorkflows(t *testing.T) {
	f := newFixture(nil)
	msg, _ := f.svc.Ingest(context.Background(), rawORU("MSG00001"))

	if errs := f.queue.drain(context.Background()); len(errs) != 0 {
		t.Fatalf("processing failed: %v", errs)
	}

	got, _ := f.repo.GetByID(context.Background(), msg.ID)
	if got.Status != StatusProcessed {
		t.Fatalf("expected processed, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.ProcessedAt == nil || got.ProcessingSeconds == nil {
		t.Error("expected processing timestamps to be stamped")
	}
	if f.results.count() != 2 {
		t.Errorf("expected 2 result records, got %d", f.results.count())
	}
	// LL is critical: one alert run plus one validation run; N gets a
	// validation run only.
	if f.runs.count() != 3 {
		t.Errorf("expected 3 workflow runs, got %d", f.runs.count())
	}

	names := f.queue.names()
	if len(names) != 3 {
		t.Errorf("expected 3 scheduled workflow executions, got %v", names)
	}
	for _, name := range names {
		if !strings.HasPrefix(name, "workflow:") {
			t.Errorf("unexpected job name %q", name)
		}
	}
}

func TestProcess_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(nil)
	msg, _ := f.svc.Ingest(context.Background(), rawORU("MSG00001"))
	if errs := f.queue.drain(context.Background()); len(errs) != 0 {
		t.Fatalf("processing failed: %v", errs)
	}
	f.queue.drain(context.Background()) // run the workflow executions

	// A second processing attempt over the same message is a no-op.
	if err := f.svc.Process(context.Background(), msg.ID); err != nil {
		t.Fatalf("re-processing should be a no-op, got %v", err)
	}
	if f.results.count() != 2 {
		t.Errorf("expected result count unchanged, got %d", f.results.count())
	}
	if f.runs.count() != 3 {
		t.Errorf("expected run count unchanged, got %d", f.runs.count())
	}
}

func TestProcess_FailureSetsErrorAndIncrementsRetryCount(t *testing.T) {
	f := newFixture(nil)
	msg, _ := f.svc.Ingest(context.Background(), rawORU("MSG00001"))
	f.results.upsertErr = errors.New("disk full")

	if err := f.svc.Process(context.Background(), msg.ID); err == nil {
		t.Fatal("expected processing error")
	}
	got, _ := f.repo.GetByID(context.Background(), msg.ID)
	if got.Status != StatusError {
		t.Fatalf("expected error status, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
	if got.ErrorMessage == "" {
		t.Error("expected error message to be recorded")
	}

	// The next attempt succeeds once the fault clears.
	f.results.upsertErr = nil
	if err := f.svc.Process(context.Background(), msg.ID); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	got, _ = f.repo.GetByID(context.Background(), msg.ID)
	if got.Status != StatusProcessed {
		t.Errorf("expected processed after recovery, got %s", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Errorf("expected error message cleared, got %q", got.ErrorMessage)
	}
}

func TestProcess_RetryBudgetExhausted(t *testing.T) {
	f := newFixture(nil)
	msg, _ := f.svc.Ingest(context.Background(), rawORU("MSG00001"))
	f.results.upsertErr = errors.New("disk full")

	for i := 0; i < DefaultMaxRetries; i++ {
		if err := f.svc.Process(context.Background(), msg.ID); err == nil {
			t.Fatalf("attempt %d: expected error", i+1)
		}
	}
	if err := f.svc.Process(context.Background(), msg.ID); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), msg.ID)
	if got.Status != StatusError {
		t.Errorf("expected terminal error status, got %s", got.Status)
	}
	if got.RetryCount != DefaultMaxRetries {
		t.Errorf("expected retry count %d, got %d", DefaultMaxRetries, got.RetryCount)
	}
}

func TestProcess_OrderNotFoundParksForReview(t *testing.T) {
	f := newFixture(NoopOrderLocator{})
	raw := rawMessage("ORM^O01", "MSG00002", "ORC|NW|ORD123|FIL123")
	msg, err := f.svc.Ingest(context.Background(), raw)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if err := f.svc.Process(context.Background(), msg.ID); err != nil {
		t.Fatalf("parking for review is not a processing failure, got %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), msg.ID)
	if got.Status != StatusPendingReview {
		t.Errorf("expected pending_review, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("review parking must not consume the retry budget, got %d", got.RetryCount)
	}
}

func TestProcess_OrderFound(t *testing.T) {
	f := newFixture(foundOrderLocator{found: true})
	raw := rawMessage("ORM^O01", "MSG00002", "ORC|NW|ORD123|FIL123")
	msg, _ := f.svc.Ingest(context.Background(), raw)

	if err := f.svc.Process(context.Background(), msg.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), msg.ID)
	if got.Status != StatusProcessed {
		t.Errorf("expected processed, got %s", got.Status)
	}
}

func TestProcess_ResultWithoutObservationsFails(t *testing.T) {
	f := newFixture(nil)
	raw := rawMessage("ORU^R01", "MSG00003", "PID|1||PAT001||Doe^John")
	msg, _ := f.svc.Ingest(context.Background(), raw)

	if err := f.svc.Process(context.Background(), msg.ID); err == nil {
		t.Fatal("expected error for result message without OBX segments")
	}
	got, _ := f.repo.GetByID(context.Background(), msg.ID)
	if got.Status != StatusError {
		t.Errorf("expected error status, got %s", got.Status)
	}
}

func TestProcess_AckIsStoredOnly(t *testing.T) {
	f := newFixture(nil)
	msg, _ := f.svc.Ingest(context.Background(), rawMessage("ACK", "MSG00004"))

	if err := f.svc.Process(context.Background(), msg.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), msg.ID)
	if got.Status != StatusProcessed {
		t.Errorf("expected processed, got %s", got.Status)
	}
	if f.results.count() != 0 {
		t.Errorf("ack must not materialize results, got %d", f.results.count())
	}
}

func TestRetry_FromError(t *testing.T) {
	f := newFixture(nil)
	msg, _ := f.svc.Ingest(context.Background(), rawORU("MSG00001"))
	f.results.upsertErr = errors.New("disk full")
	_ = f.svc.Process(context.Background(), msg.ID)
	f.queue.drain(context.Background()) // the automatic attempt fails too
	f.results.upsertErr = nil

	got, err := f.svc.Retry(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusReceived {
		t.Errorf("expected received after retry, got %s", got.Status)
	}
	if errs := f.queue.drain(context.Background()); len(errs) != 0 {
		t.Fatalf("retried processing failed: %v", errs)
	}
	final, _ := f.repo.GetByID(context.Background(), msg.ID)
	if final.Status != StatusProcessed {
		t.Errorf("expected processed, got %s", final.Status)
	}
}

func TestRetry_RejectsNonErrorStates(t *testing.T) {
	f := newFixture(nil)
	msg, _ := f.svc.Ingest(context.Background(), rawORU("MSG00001"))

	if _, err := f.svc.Retry(context.Background(), msg.ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("expected ErrNotRetryable for received message, got %v", err)
	}
}

func TestRetry_ExhaustedBudget(t *testing.T) {
	f := newFixture(nil)
	msg, _ := f.svc.Ingest(context.Background(), rawORU("MSG00001"))
	f.results.upsertErr = errors.New("disk full")
	for i := 0; i < DefaultMaxRetries; i++ {
		_ = f.svc.Process(context.Background(), msg.ID)
	}

	if _, err := f.svc.Retry(context.Background(), msg.ID); !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted, got %v", err)
	}
}

func TestReprocess_ResetsAndRequeues(t *testing.T) {
	f := newFixture(nil)
	msg, _ := f.svc.Ingest(context.Background(), rawORU("MSG00001"))
	if errs := f.queue.drain(context.Background()); len(errs) != 0 {
		t.Fatalf("processing failed: %v", errs)
	}
	f.queue.drain(context.Background())

	got, err := f.svc.Reprocess(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusReceived {
		t.Errorf("expected received, got %s", got.Status)
	}
	if got.RetryCount != 0 || got.ProcessedAt != nil || got.ErrorMessage != "" {
		t.Errorf("expected reset bookkeeping, got %+v", got)
	}
	if errs := f.queue.drain(context.Background()); len(errs) != 0 {
		t.Fatalf("reprocessing failed: %v", errs)
	}
	final, _ := f.repo.GetByID(context.Background(), msg.ID)
	if final.Status != StatusProcessed {
		t.Errorf("expected processed, got %s", final.Status)
	}
	// The upsert is keyed on (message, set id): no duplicates.
	if f.results.count() != 2 {
		t.Errorf("expected 2 result records after reprocess, got %d", f.results.count())
	}
}

func TestReprocess_RejectsInFlightMessage(t *testing.T) {
	f := newFixture(nil)
	msg, _ := f.svc.Ingest(context.Background(), rawORU("MSG00001"))

	if _, err := f.svc.Reprocess(context.Background(), msg.ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("expected ErrNotRetryable for received message, got %v", err)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(nil)
	_, _ = f.svc.Ingest(context.Background(), rawORU("MSG00001"))
	msg2, _ := f.svc.Ingest(context.Background(), rawORU("MSG00002"))
	_ = f.svc.Process(context.Background(), msg2.ID)

	stats, err := f.svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("expected 2 messages, got %d", stats.Total)
	}
	if stats.ByStatus[StatusReceived] != 1 || stats.ByStatus[StatusProcessed] != 1 {
		t.Errorf("unexpected status counts: %v", stats.ByStatus)
	}
	if stats.StuckProcessing != 0 {
		t.Errorf("expected no stuck messages, got %d", stats.StuckProcessing)
	}
	if stats.ErrorRateLastHour != 0 {
		t.Errorf("expected zero error rate, got %f", stats.ErrorRateLastHour)
	}

	// A failing message pushes the hourly error rate to 1 of 2 settled.
	msg3, _ := f.svc.Ingest(context.Background(), rawMessage("ORU^R01", "MSG00003", "PID|1||PAT001"))
	_ = f.svc.Process(context.Background(), msg3.ID)

	stats, err = f.svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.ErrorRateLastHour != 0.5 {
		t.Errorf("expected error rate 0.5, got %f", stats.ErrorRateLastHour)
	}
}

func TestPurgeSettled(t *testing.T) {
	f := newFixture(nil)
	msg, _ := f.svc.Ingest(context.Background(), rawORU("MSG00001"))
	_ = f.svc.Process(context.Background(), msg.ID)
	// A rejected message counts as settled and ages out too.
	_, _ = f.svc.Ingest(context.Background(), []byte("PID|1||PAT001||Doe^John"))
	// A message still in flight never ages out.
	inFlight, _ := f.svc.Ingest(context.Background(), rawORU("MSG00002"))

	// Fresh messages survive the retention sweep.
	n, err := f.svc.PurgeSettled(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing purged, got %d", n)
	}

	n, err = f.svc.PurgeSettled(context.Background(), -time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected processed and rejected purged, got %d", n)
	}
	if _, err := f.repo.GetByID(context.Background(), inFlight.ID); err != nil {
		t.Errorf("received message must survive the sweep: %v", err)
	}
}
