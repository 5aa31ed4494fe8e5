// Package reconciliation is the application boundary for reconciliation
// workflows. Every mutation loads the aggregate, applies one domain
// operation, saves it and then notifies events, metrics and activity.
package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/erp/reconciliation/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Activity action names
const (
	ActionCreated           = "reconciliation.created"
	ActionStatementImported = "reconciliation.statement_imported"
	ActionMatched           = "reconciliation.matched"
	ActionItemResolved      = "reconciliation.item_resolved"
	ActionClosed            = "reconciliation.closed"
)

// ActivityLogger receives one call per successful mutation. Implementations
// must not block; the service never waits on or fails because of them.
type ActivityLogger interface {
	Log(ctx context.Context, action string, metadata map[string]any)
}

// MetricsRecorder records business metrics for reconciliation activity
type MetricsRecorder interface {
	RecordReconciliationCreated(ctx context.Context, tenantID uuid.UUID, reconType string)
	RecordStatementImported(ctx context.Context, tenantID uuid.UUID, side string, lines int)
	RecordMatchRun(ctx context.Context, tenantID uuid.UUID, groupsByStrategy map[string]int, d time.Duration)
	RecordItemResolved(ctx context.Context, tenantID uuid.UUID, outcome telemetry.ResolutionOutcome)
	RecordReconciliationClosed(ctx context.Context, tenantID uuid.UUID, carriedForward decimal.Decimal)
}

// Service is the single mutation boundary for reconciliations
type Service struct {
	repo        reconciliation.Repository
	publisher   shared.EventPublisher
	activity    ActivityLogger
	clock       shared.Clock
	logger      *zap.Logger
	metrics     MetricsRecorder
	fileParser  StatementFileParser
	idempotency shared.IdempotencyStore
	idemConfig  shared.IdempotencyConfig

	defaultStrategies []reconciliation.MatchStrategyType

	// mu serializes load-mutate-save within this process
	mu sync.Mutex
}

// Option configures a Service
type Option func(*Service)

// WithEventPublisher publishes domain events after each save
func WithEventPublisher(p shared.EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithActivityLogger sets the activity sink
func WithActivityLogger(a ActivityLogger) Option {
	return func(s *Service) { s.activity = a }
}

// WithClock overrides the clock
func WithClock(c shared.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the business metrics recorder
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) { s.metrics = m }
}

// WithStatementFileParser enables ImportStatementFile
func WithStatementFileParser(p StatementFileParser) Option {
	return func(s *Service) { s.fileParser = p }
}

// WithIdempotencyStore enables idempotency keys on file uploads
func WithIdempotencyStore(store shared.IdempotencyStore, cfg shared.IdempotencyConfig) Option {
	return func(s *Service) {
		s.idempotency = store
		s.idemConfig = cfg
	}
}

// WithDefaultStrategies replaces the strategy list used when a match request
// does not name one
func WithDefaultStrategies(types []reconciliation.MatchStrategyType) Option {
	return func(s *Service) {
		if types != nil {
			s.defaultStrategies = append([]reconciliation.MatchStrategyType(nil), types...)
		}
	}
}

// NewService creates a reconciliation service
func NewService(repo reconciliation.Repository, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		clock:      shared.RealClock{},
		logger:     zap.NewNop(),
		idemConfig: shared.DefaultIdempotencyConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateReconciliation creates an OPEN reconciliation
func (s *Service) CreateReconciliation(ctx context.Context, tenantID uuid.UUID, params reconciliation.NewReconciliationParams) (*reconciliation.Snapshot, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "reconciliation", "create")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := reconciliation.NewReconciliation(tenantID, params, s.clock.Now())
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := s.repo.Create(ctx, r); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to create reconciliation: %w", err)
	}
	telemetry.SetAttributes(span, telemetry.SpanAttrReconciliationID, r.ID.String(), "reconciliation.type", r.Type.String())

	s.afterSave(ctx, r)
	if s.metrics != nil {
		s.metrics.RecordReconciliationCreated(ctx, r.TenantID, r.Type.String())
	}
	s.logActivity(ctx, ActionCreated, map[string]any{
		"reconciliation_id": r.ID.String(),
		"tenant_id":         r.TenantID.String(),
		"name":              r.Name,
		"type":              r.Type.String(),
		"period_start":      r.PeriodStart.Format(reconciliation.DateLayout),
		"period_end":        r.PeriodEnd.Format(reconciliation.DateLayout),
	})

	snap := r.Snapshot()
	return &snap, nil
}

// ListSummaries returns summaries ordered by most recently updated first
func (s *Service) ListSummaries(ctx context.Context, filter reconciliation.SummaryFilter) ([]reconciliation.Summary, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "reconciliation", "list_summaries")
	defer span.End()

	summaries, err := s.repo.ListSummaries(ctx, filter)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to list reconciliations: %w", err)
	}
	telemetry.SetAttributes(span, "result.count", len(summaries))
	return summaries, nil
}

// GetSnapshot returns a deep copy of one reconciliation of the tenant
func (s *Service) GetSnapshot(ctx context.Context, tenantID, id uuid.UUID) (*reconciliation.Snapshot, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "reconciliation", "get_snapshot")
	defer span.End()

	r, err := s.repo.FindByIDForTenant(ctx, tenantID, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	snap := r.Snapshot()
	return &snap, nil
}

// ImportStatement appends a statement to a reconciliation
func (s *Service) ImportStatement(ctx context.Context, tenantID, id uuid.UUID, input reconciliation.StatementInput) (*reconciliation.Snapshot, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "reconciliation", "import_statement")
	defer span.End()
	telemetry.SetAttributes(span, telemetry.SpanAttrReconciliationID, id.String(), telemetry.SpanAttrStatementSide, string(input.Side))

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.importLocked(ctx, tenantID, id, input)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return snap, nil
}

func (s *Service) importLocked(ctx context.Context, tenantID, id uuid.UUID, input reconciliation.StatementInput) (*reconciliation.Snapshot, error) {
	r, err := s.repo.FindByIDForTenant(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	stmt, err := r.ImportStatement(input, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to save reconciliation: %w", err)
	}

	s.afterSave(ctx, r)
	if s.metrics != nil {
		s.metrics.RecordStatementImported(ctx, r.TenantID, stmt.Side.String(), len(stmt.Lines))
	}
	telemetry.SetAttributes(trace.SpanFromContext(ctx), telemetry.SpanAttrLineCount, len(stmt.Lines))
	s.logActivity(ctx, ActionStatementImported, map[string]any{
		"reconciliation_id": r.ID.String(),
		"statement_id":      stmt.ID.String(),
		"side":              stmt.Side.String(),
		"source_name":       stmt.SourceName,
		"line_count":        len(stmt.Lines),
		"imported_by":       stmt.ImportedBy,
	})

	snap := r.Snapshot()
	return &snap, nil
}

// StrategyInfo describes one match strategy
type StrategyInfo struct {
	Name        string
	Type        string
	Description string
	// Priority is the position in the default run order, 0 when unused by default
	Priority int
}

// MatchStrategies lists the known strategies, default ones first in run order
func (s *Service) MatchStrategies() []StrategyInfo {
	defaults := s.defaultStrategies
	if defaults == nil {
		defaults = reconciliation.DefaultMatchStrategies()
	}
	priority := make(map[reconciliation.MatchStrategyType]int, len(defaults))
	for i, t := range defaults {
		if _, ok := priority[t]; !ok {
			priority[t] = i + 1
		}
	}

	available := reconciliation.AvailableMatchStrategies()
	infos := make([]StrategyInfo, 0, len(available))
	for _, st := range available {
		infos = append(infos, StrategyInfo{
			Name:        st.Name(),
			Type:        st.Type().String(),
			Description: st.Description(),
			Priority:    priority[st.MatchType()],
		})
	}
	sort.SliceStable(infos, func(i, j int) bool {
		pi, pj := infos[i].Priority, infos[j].Priority
		if pi == 0 || pj == 0 {
			return pj == 0 && pi != 0
		}
		return pi < pj
	})
	return infos
}

// MatchResult is the outcome of a match run
type MatchResult struct {
	Run            reconciliation.MatchRunResult
	Reconciliation reconciliation.Snapshot
}

// RunDeterministicMatch re-runs pairing. A nil strategy list uses the
// service default.
func (s *Service) RunDeterministicMatch(ctx context.Context, tenantID, id uuid.UUID, strategies []reconciliation.MatchStrategyType) (*MatchResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "reconciliation", "run_match")
	defer span.End()
	telemetry.SetAttributes(span, telemetry.SpanAttrReconciliationID, id.String())

	if strategies == nil && s.defaultStrategies != nil {
		strategies = s.defaultStrategies
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.repo.FindByIDForTenant(ctx, tenantID, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	start := time.Now()
	var (
		run    *reconciliation.MatchRunResult
		runErr error
	)
	telemetry.WithProfilingLabels(ctx, telemetry.OperationLabels("run_match", nil), func(context.Context) {
		run, runErr = r.RunDeterministicMatch(strategies, s.clock.Now())
	})
	if runErr != nil {
		telemetry.RecordError(span, runErr)
		return nil, runErr
	}
	elapsed := time.Since(start)

	if err := s.repo.Update(ctx, r); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to save reconciliation: %w", err)
	}
	telemetry.SetAttributes(span,
		"match.groups", run.MatchGroups,
		"match.items_created", run.ItemsCreated,
	)

	s.afterSave(ctx, r)
	byStrategy := make(map[string]int, len(run.MatchesByStrategy))
	for k, v := range run.MatchesByStrategy {
		byStrategy[k.String()] = v
	}
	if s.metrics != nil {
		s.metrics.RecordMatchRun(ctx, r.TenantID, byStrategy, elapsed)
	}
	strategyNames := make([]string, len(run.Strategies))
	for i, st := range run.Strategies {
		strategyNames[i] = st.String()
	}
	s.logActivity(ctx, ActionMatched, map[string]any{
		"reconciliation_id":   r.ID.String(),
		"strategies":          strategyNames,
		"match_groups":        run.MatchGroups,
		"matches_by_strategy": byStrategy,
		"items_created":       run.ItemsCreated,
		"items_retained":      run.ItemsRetained,
	})

	return &MatchResult{Run: *run, Reconciliation: r.Snapshot()}, nil
}

// ResolveResult is the outcome of an item resolution
type ResolveResult struct {
	Item           reconciliation.ReconItem
	Evidence       reconciliation.Evidence
	Reconciliation reconciliation.Snapshot
}

// ResolveItem records a resolution on an item
func (s *Service) ResolveItem(ctx context.Context, tenantID, itemID uuid.UUID, input reconciliation.ResolutionInput) (*ResolveResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "reconciliation", "resolve_item")
	defer span.End()
	telemetry.SetAttributes(span, telemetry.SpanAttrItemID, itemID.String())

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.repo.FindByItemIDForTenant(ctx, tenantID, itemID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	item, evidence, err := r.ResolveItem(itemID, input, s.clock.Now())
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := s.repo.Update(ctx, r); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to save reconciliation: %w", err)
	}

	s.afterSave(ctx, r)
	if s.metrics != nil {
		s.metrics.RecordItemResolved(ctx, r.TenantID, resolutionOutcome(input))
	}
	s.logActivity(ctx, ActionItemResolved, map[string]any{
		"reconciliation_id": r.ID.String(),
		"item_id":           item.ID.String(),
		"status":            item.Status.String(),
		"is_misstatement":   item.IsMisstatement,
		"evidence_id":       evidence.ID.String(),
		"evidence_type":     evidence.Type.String(),
		"resolved_by":       input.ResolvedBy,
	})

	return &ResolveResult{Item: *item, Evidence: *evidence, Reconciliation: r.Snapshot()}, nil
}

func resolutionOutcome(input reconciliation.ResolutionInput) telemetry.ResolutionOutcome {
	switch {
	case input.FlaggedAsMisstatement != nil && *input.FlaggedAsMisstatement:
		return telemetry.ResolutionFlagged
	case input.Cleared != nil && *input.Cleared:
		return telemetry.ResolutionCleared
	default:
		return telemetry.ResolutionUpdated
	}
}

// CloseResult is the final snapshot plus the evidence created by the close
type CloseResult struct {
	Reconciliation reconciliation.Snapshot
	Evidence       []reconciliation.Evidence
}

// CloseReconciliation seals a reconciliation. A second close fails.
func (s *Service) CloseReconciliation(ctx context.Context, tenantID, id uuid.UUID, input reconciliation.CloseInput) (*CloseResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "reconciliation", "close")
	defer span.End()
	telemetry.SetAttributes(span, telemetry.SpanAttrReconciliationID, id.String())

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.repo.FindByIDForTenant(ctx, tenantID, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	result, err := r.Close(input, s.clock.Now())
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := s.repo.Update(ctx, r); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to save reconciliation: %w", err)
	}

	s.afterSave(ctx, r)
	if s.metrics != nil {
		s.metrics.RecordReconciliationClosed(ctx, r.TenantID, result.CarriedForwardTotal.Amount())
	}
	evidenceIDs := make([]string, len(result.Evidence))
	for i, e := range result.Evidence {
		evidenceIDs[i] = e.ID.String()
	}
	s.logActivity(ctx, ActionClosed, map[string]any{
		"reconciliation_id":     r.ID.String(),
		"closed_by":             r.ClosedBy,
		"carried_forward_count": result.CarriedForwardCount,
		"carried_forward_total": result.CarriedForwardTotal.String(),
		"evidence_ids":          evidenceIDs,
	})

	return &CloseResult{Reconciliation: r.Snapshot(), Evidence: result.Evidence}, nil
}

// afterSave publishes and clears the aggregate's pending events. Publishing
// failures are logged; the save already happened.
func (s *Service) afterSave(ctx context.Context, r *reconciliation.Reconciliation) {
	events := r.GetDomainEvents()
	r.ClearDomainEvents()
	if s.publisher == nil || len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		s.logger.Error("Failed to publish reconciliation events",
			zap.String("reconciliation_id", r.ID.String()),
			zap.Int("event_count", len(events)),
			zap.Error(err),
		)
	}
}

// logActivity hands the action to the activity logger, absorbing panics
func (s *Service) logActivity(ctx context.Context, action string, metadata map[string]any) {
	if s.activity == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Warn("Activity logger panicked",
				zap.String("action", action),
				zap.Any("panic", rec),
			)
		}
	}()
	s.activity.Log(ctx, action, metadata)
}
