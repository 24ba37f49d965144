package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/domain/result"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/hl7"
	"github.com/lims/lims/internal/platform/tasks"
)

var (
	// ErrMissingControlID is returned by Ingest when the header carries no
	// message control id. The message is persisted as rejected.
	ErrMissingControlID = errors.New("missing message control id")

	// ErrOrderNotFound is returned while processing an order message whose
	// placer order number resolves to nothing. The message is parked in
	// pending_review instead of the error/retry cycle.
	ErrOrderNotFound = errors.New("referenced order not found")

	// ErrNotRetryable is returned by Retry and Reprocess when the message
	// is not in a state the operation applies to.
	ErrNotRetryable = errors.New("message is not in a retryable state")

	// ErrRetriesExhausted is returned when the retry budget is spent.
	ErrRetriesExhausted = errors.New("message retry budget exhausted")
)

// OrderLocator resolves placer order numbers against the order store.
// Order messages referencing an unknown order are parked for review.
type OrderLocator interface {
	Locate(ctx context.Context, placerOrderNumber string) (bool, error)
}

// NoopOrderLocator finds nothing; every order message parks for review.
type NoopOrderLocator struct{}

func (NoopOrderLocator) Locate(ctx context.Context, placerOrderNumber string) (bool, error) {
	return false, nil
}

// StuckThreshold is how long a message may sit in processing before the
// stats endpoint counts it as stuck.
const StuckThreshold = 10 * time.Minute

// Retry pacing for the background queue.
var (
	processPolicy  = tasks.RetryPolicy{MaxAttempts: DefaultMaxRetries, Delay: tasks.FixedDelay(60 * time.Second)}
	workflowPolicy = tasks.RetryPolicy{MaxAttempts: 2, Delay: tasks.FixedDelay(120 * time.Second)}
	manualPolicy   = tasks.RetryPolicy{MaxAttempts: 1}
)

// Service drives the inbound message pipeline: ingest, asynchronous
// processing with bounded retry, and the operator-facing retry, reprocess,
// and stats operations.
type Service struct {
	repo    Repository
	results result.Repository
	engine  *workflow.Engine
	queue   tasks.Queue
	tx      db.TxRunner
	orders  OrderLocator
	audit   *audit.Service
	logger  zerolog.Logger
}

func NewService(repo Repository, results result.Repository, engine *workflow.Engine,
	queue tasks.Queue, tx db.TxRunner, orders OrderLocator, auditSvc *audit.Service,
	logger zerolog.Logger) *Service {
	if orders == nil {
		orders = NoopOrderLocator{}
	}
	return &Service{
		repo:    repo,
		results: results,
		engine:  engine,
		queue:   queue,
		tx:      tx,
		orders:  orders,
		audit:   auditSvc,
		logger:  logger.With().Str("component", "message").Logger(),
	}
}

// Ingest persists a raw wire message and schedules it for processing. The
// raw bytes are stored verbatim; only the header is interpreted here. A
// message without a control id is persisted as rejected.
func (s *Service) Ingest(ctx context.Context, raw []byte) (*InboundMessage, error) {
	parsed, err := hl7.Parse(raw)
	if err != nil {
		return nil, err
	}

	msg := &InboundMessage{
		Status:     StatusReceived,
		RawContent: string(raw),
		MaxRetries: DefaultMaxRetries,
		ReceivedAt: time.Now().UTC(),
	}
	if h := parsed.Header; h != nil {
		msg.MessageControlID = h.MessageControlID
		msg.MessageType = ClassifyType(h.MessageType)
		msg.SendingFacility = h.SendingFacility
		msg.ReceivingFacility = h.ReceivingFacility
		msg.MessageDateTime = h.MessageDateTime
		msg.ProcessingID = h.ProcessingID
		msg.VersionID = h.VersionID
	}
	st := parsed.Structure()
	msg.Structure = &st

	if msg.MessageControlID == "" {
		msg.Status = StatusRejected
		msg.ErrorMessage = ErrMissingControlID.Error()
		if err := s.repo.Create(ctx, msg); err != nil {
			return nil, err
		}
		s.logger.Warn().Str("id", msg.ID.String()).Msg("message rejected: no control id")
		return msg, ErrMissingControlID
	}

	if err := s.repo.Create(ctx, msg); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("id", msg.ID.String()).
		Str("control_id", msg.MessageControlID).
		Str("type", string(msg.MessageType)).
		Msg("message received")

	s.enqueueProcess(msg, processPolicy)
	return msg, nil
}

// Process runs one processing attempt over a message. The row is locked for
// the whole attempt, so concurrent attempts serialize; re-processing an
// already processed message is a no-op. A failed attempt commits its error
// bookkeeping (status, message, retry count) and returns the failure.
func (s *Service) Process(ctx context.Context, id uuid.UUID) error {
	var procErr error
	var pendingRuns []uuid.UUID

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		msg, err := s.repo.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}

		switch msg.Status {
		case StatusProcessed, StatusRejected, StatusProcessing, StatusPendingReview:
			s.logger.Warn().
				Str("id", msg.ID.String()).
				Str("status", string(msg.Status)).
				Msg("message not processable, skipping")
			return nil
		case StatusError:
			if msg.RetriesExhausted() {
				procErr = fmt.Errorf("%w: %d attempts", ErrRetriesExhausted, msg.RetryCount)
				return nil
			}
		}

		from := msg.Status
		msg.Status = StatusProcessing
		if err := s.repo.Update(ctx, msg); err != nil {
			return err
		}
		s.audit.StatusChanged(ctx, msg.ID, string(from), string(StatusProcessing))

		start := time.Now()
		runs, workErr := s.process(ctx, msg)
		pendingRuns = runs

		if errors.Is(workErr, ErrOrderNotFound) {
			msg.Status = StatusPendingReview
			msg.ErrorMessage = workErr.Error()
			if err := s.repo.Update(ctx, msg); err != nil {
				return err
			}
			s.audit.StatusChanged(ctx, msg.ID, string(StatusProcessing), string(StatusPendingReview))
			s.logger.Warn().
				Str("id", msg.ID.String()).
				Str("control_id", msg.MessageControlID).
				Msg("order not found, message parked for review")
			return nil
		}
		if workErr != nil {
			procErr = workErr
			msg.Status = StatusError
			msg.ErrorMessage = workErr.Error()
			msg.RetryCount++
			if err := s.repo.Update(ctx, msg); err != nil {
				return err
			}
			s.audit.StatusChanged(ctx, msg.ID, string(StatusProcessing), string(StatusError))
			s.logger.Error().
				Str("id", msg.ID.String()).
				Str("control_id", msg.MessageControlID).
				Int("retry_count", msg.RetryCount).
				Err(workErr).
				Msg("message processing failed")
			return nil
		}

		now := time.Now().UTC()
		secs := time.Since(start).Seconds()
		msg.Status = StatusProcessed
		msg.ProcessedAt = &now
		msg.ProcessingSeconds = &secs
		msg.ErrorMessage = ""
		if err := s.repo.Update(ctx, msg); err != nil {
			return err
		}
		s.audit.StatusChanged(ctx, msg.ID, string(StatusProcessing), string(StatusProcessed))
		s.logger.Info().
			Str("id", msg.ID.String()).
			Str("control_id", msg.MessageControlID).
			Float64("seconds", secs).
			Msg("message processed")
		return nil
	})
	if err != nil {
		return err
	}

	// Workflow runs are scheduled after the transaction commits so the
	// executor can see them.
	for _, runID := range pendingRuns {
		id := runID
		if err := s.queue.Enqueue("workflow:"+id.String(), func(ctx context.Context) error {
			return s.engine.Execute(ctx, id)
		}, workflowPolicy); err != nil {
			s.logger.Error().Err(err).Str("run_id", id.String()).Msg("failed to schedule workflow run")
		}
	}
	return procErr
}

// process does the type-specific work of one attempt and returns the
// workflow runs it created.
func (s *Service) process(ctx context.Context, msg *InboundMessage) ([]uuid.UUID, error) {
	parsed, err := hl7.Parse([]byte(msg.RawContent))
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	st := parsed.Structure()
	msg.Structure = &st

	switch msg.MessageType {
	case TypeResult:
		return s.processResult(ctx, msg, parsed)
	case TypeOrder:
		return nil, s.processOrder(ctx, parsed)
	default:
		// Queries, responses, and acknowledgements carry nothing to
		// materialize; storing them is the whole job.
		return nil, nil
	}
}

func (s *Service) processResult(ctx context.Context, msg *InboundMessage, parsed *hl7.Message) ([]uuid.UUID, error) {
	if len(parsed.Observations) == 0 {
		return nil, fmt.Errorf("result message %s has no OBX segments", msg.MessageControlID)
	}

	var runIDs []uuid.UUID
	for _, obs := range parsed.Observations {
		rec := result.FromObservation(msg.ID, msg.MessageControlID, obs)
		created, err := s.results.Upsert(ctx, rec)
		if err != nil {
			return runIDs, fmt.Errorf("store result %s: %w", rec.ResultID, err)
		}
		if !created {
			// Re-delivery updated an existing record; its workflows
			// already ran.
			continue
		}
		runs, err := s.engine.CreateForResult(ctx, rec)
		if err != nil {
			return runIDs, fmt.Errorf("create workflows for %s: %w", rec.ResultID, err)
		}
		for _, run := range runs {
			runIDs = append(runIDs, run.ID)
		}
	}
	return runIDs, nil
}

func (s *Service) processOrder(ctx context.Context, parsed *hl7.Message) error {
	if parsed.Order == nil || parsed.Order.PlacerOrderNumber == "" {
		return fmt.Errorf("order message carries no placer order number")
	}
	found, err := s.orders.Locate(ctx, parsed.Order.PlacerOrderNumber)
	if err != nil {
		return fmt.Errorf("locate order %s: %w", parsed.Order.PlacerOrderNumber, err)
	}
	if !found {
		return fmt.Errorf("%w: placer order %s", ErrOrderNotFound, parsed.Order.PlacerOrderNumber)
	}
	return nil
}

// Get returns one message.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*InboundMessage, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns messages, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]*InboundMessage, int, error) {
	return s.repo.List(ctx, status, limit, offset)
}

// Retry schedules one more processing attempt for a message in error. The
// persisted retry budget still applies.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*InboundMessage, error) {
	msg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Status != StatusError {
		return nil, fmt.Errorf("%w: status %s", ErrNotRetryable, msg.Status)
	}
	if msg.RetriesExhausted() {
		return nil, fmt.Errorf("%w: %d attempts", ErrRetriesExhausted, msg.RetryCount)
	}

	from := msg.Status
	msg.Status = StatusReceived
	msg.ErrorMessage = ""
	if err := s.repo.Update(ctx, msg); err != nil {
		return nil, err
	}
	s.audit.StatusChanged(ctx, msg.ID, string(from), string(StatusReceived))
	s.enqueueProcess(msg, manualPolicy)
	return msg, nil
}

// Reprocess resets a settled message and runs it through the pipeline
// again from its stored raw content. The retry budget starts over.
func (s *Service) Reprocess(ctx context.Context, id uuid.UUID) (*InboundMessage, error) {
	msg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch msg.Status {
	case StatusProcessed, StatusError, StatusPendingReview:
	default:
		return nil, fmt.Errorf("%w: status %s", ErrNotRetryable, msg.Status)
	}

	from := msg.Status
	msg.Status = StatusReceived
	msg.ErrorMessage = ""
	msg.RetryCount = 0
	msg.ProcessedAt = nil
	msg.ProcessingSeconds = nil
	if err := s.repo.Update(ctx, msg); err != nil {
		return nil, err
	}
	s.audit.StatusChanged(ctx, msg.ID, string(from), string(StatusReceived))
	s.logger.Info().Str("id", msg.ID.String()).Msg("message queued for reprocessing")
	s.enqueueProcess(msg, processPolicy)
	return msg, nil
}

// Stats is the processing overview the monitoring endpoint reports.
type Stats struct {
	Total                int            `json:"total"`
	ByStatus             map[Status]int `json:"by_status"`
	StuckProcessing      int            `json:"stuck_processing"`
	ErrorRateLastHour    float64        `json:"error_rate_last_hour"`
	AvgProcessingSeconds float64        `json:"avg_processing_seconds"`
}

// Stats reports message counts per status, how many messages have been
// sitting in processing longer than the stuck threshold, the error rate
// over the last hour, and the average processing duration.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	stuck, err := s.repo.ListStuckProcessing(ctx, now.Add(-StuckThreshold))
	if err != nil {
		return nil, err
	}
	rate, err := s.repo.ErrorRateSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	avg, err := s.repo.AvgProcessingSeconds(ctx)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		ByStatus:             counts,
		StuckProcessing:      len(stuck),
		ErrorRateLastHour:    rate,
		AvgProcessingSeconds: avg,
	}
	for _, n := range counts {
		st.Total += n
	}
	return st, nil
}

// PurgeSettled deletes processed and rejected messages older than the
// retention window and reports how many were removed.
func (s *Service) PurgeSettled(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	n, err := s.repo.PurgeSettledBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("purged settled messages")
	}
	return n, nil
}

func (s *Service) enqueueProcess(msg *InboundMessage, policy tasks.RetryPolicy) {
	id := msg.ID
	if err := s.queue.Enqueue("process-message:"+msg.MessageControlID, func(ctx context.Context) error {
		return s.Process(ctx, id)
	}, policy); err != nil {
		s.logger.Error().
			Err(err).
			Str("id", id.String()).
			Msg("failed to schedule message processing")
	}
}
