package handler

import (
	"time"

	"github.com/erp/reconciliation/internal/application/reconciliation"
	domain "github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateReconciliationRequest represents a request to open a reconciliation
type CreateReconciliationRequest struct {
	EngagementID     string `json:"engagement_id" binding:"max=100"`
	ControlReference string `json:"control_reference" binding:"max=100"`
	Name             string `json:"name" binding:"required,max=200"`
	Type             string `json:"type" binding:"required,oneof=BANK ACCOUNTS_RECEIVABLE ACCOUNTS_PAYABLE"`
	Currency         string `json:"currency" binding:"omitempty,len=3"`
	PeriodStart      string `json:"period_start" binding:"required"`
	PeriodEnd        string `json:"period_end" binding:"required"`
}

// StatementLineRequest is one line of a JSON statement import
type StatementLineRequest struct {
	Date        string  `json:"date"`
	Description string  `json:"description" binding:"max=500"`
	Reference   string  `json:"reference" binding:"max=100"`
	Amount      float64 `json:"amount"`
}

// ImportStatementRequest represents a JSON statement import. An empty line
// list is rejected by the domain with a validation error.
type ImportStatementRequest struct {
	Side          string                 `json:"side" binding:"required,oneof=LEDGER EXTERNAL"`
	SourceName    string                 `json:"source_name" binding:"max=200"`
	StatementDate string                 `json:"statement_date" binding:"max=40"`
	ImportedBy    string                 `json:"imported_by" binding:"max=100"`
	Lines         []StatementLineRequest `json:"lines" binding:"dive"`
}

// RunMatchRequest selects matching strategies; omitted means the default order
type RunMatchRequest struct {
	Strategies []string `json:"strategies" binding:"omitempty,dive,oneof=AMOUNT_AND_DATE AMOUNT_ONLY"`
}

// ResolveItemRequest documents how a reconciling item was explained
type ResolveItemRequest struct {
	ResolutionNote        string `json:"resolution_note" binding:"max=2000"`
	FollowUpDate          string `json:"follow_up_date" binding:"max=40"`
	Cleared               *bool  `json:"cleared"`
	EvidenceLink          string `json:"evidence_link" binding:"max=2000"`
	FlaggedAsMisstatement *bool  `json:"flagged_as_misstatement"`
	ResolvedBy            string `json:"resolved_by" binding:"max=100"`
}

// CloseReconciliationRequest seals a reconciliation
type CloseReconciliationRequest struct {
	ClosedBy         string `json:"closed_by" binding:"max=100"`
	Summary          string `json:"summary" binding:"max=4000"`
	ControlReference string `json:"control_reference" binding:"max=100"`
	ReviewNotes      string `json:"review_notes" binding:"max=4000"`
}

// ListReconciliationsQuery filters the summary list
type ListReconciliationsQuery struct {
	Status string `form:"status" binding:"omitempty,oneof=OPEN IN_PROGRESS CLOSED"`
	Type   string `form:"type" binding:"omitempty,oneof=BANK ACCOUNTS_RECEIVABLE ACCOUNTS_PAYABLE"`
}

// ReconciliationSummaryResponse is a list entry
type ReconciliationSummaryResponse struct {
	ID               string  `json:"id"`
	TenantID         string  `json:"tenant_id"`
	EngagementID     string  `json:"engagement_id"`
	ControlReference string  `json:"control_reference"`
	Name             string  `json:"name"`
	Type             string  `json:"type"`
	Currency         string  `json:"currency"`
	Status           string  `json:"status"`
	PeriodStart      string  `json:"period_start"`
	PeriodEnd        string  `json:"period_end"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
	LastMatchedAt    *string `json:"last_matched_at"`
	ClosedAt         *string `json:"closed_at"`
	OutstandingCount int     `json:"outstanding_count"`
	OutstandingTotal string  `json:"outstanding_total"`
}

// ReconciliationResponse is the full snapshot of a reconciliation
type ReconciliationResponse struct {
	ID               string               `json:"id"`
	TenantID         string               `json:"tenant_id"`
	EngagementID     string               `json:"engagement_id"`
	ControlReference string               `json:"control_reference"`
	Name             string               `json:"name"`
	Type             string               `json:"type"`
	Currency         string               `json:"currency"`
	Status           string               `json:"status"`
	PeriodStart      string               `json:"period_start"`
	PeriodEnd        string               `json:"period_end"`
	CreatedAt        string               `json:"created_at"`
	UpdatedAt        string               `json:"updated_at"`
	LastMatchedAt    *string              `json:"last_matched_at"`
	ClosedAt         *string              `json:"closed_at"`
	ClosedBy         string               `json:"closed_by"`
	Summary          string               `json:"summary"`
	Version          int                  `json:"version"`
	Statements       []StatementResponse  `json:"statements"`
	MatchGroups      []MatchGroupResponse `json:"match_groups"`
	Items            []ReconItemResponse  `json:"items"`
	Evidence         []EvidenceResponse   `json:"evidence"`
	EvidenceIDs      []string             `json:"evidence_ids"`
}

// StatementResponse is one imported batch
type StatementResponse struct {
	ID            string                  `json:"id"`
	Side          string                  `json:"side"`
	SourceName    string                  `json:"source_name"`
	StatementDate *string                 `json:"statement_date"`
	ImportedAt    string                  `json:"imported_at"`
	ImportedBy    string                  `json:"imported_by"`
	Lines         []StatementLineResponse `json:"lines"`
}

// StatementLineResponse is one financial line
type StatementLineResponse struct {
	ID           string  `json:"id"`
	StatementID  string  `json:"statement_id"`
	Side         string  `json:"side"`
	Date         string  `json:"date"`
	Description  string  `json:"description"`
	Reference    string  `json:"reference"`
	Amount       string  `json:"amount"`
	MatchGroupID *string `json:"match_group_id"`
}

// MatchGroupResponse is one ledger/external pairing
type MatchGroupResponse struct {
	ID              string   `json:"id"`
	Strategy        string   `json:"strategy"`
	LedgerLineIDs   []string `json:"ledger_line_ids"`
	ExternalLineIDs []string `json:"external_line_ids"`
	CreatedAt       string   `json:"created_at"`
}

// ReconItemResponse is one reconciling item
type ReconItemResponse struct {
	ID             string   `json:"id"`
	Origin         string   `json:"origin"`
	Side           string   `json:"side"`
	Amount         string   `json:"amount"`
	Reason         string   `json:"reason"`
	Status         string   `json:"status"`
	IsMisstatement bool     `json:"is_misstatement"`
	ResolutionNote string   `json:"resolution_note"`
	FollowUpDate   *string  `json:"follow_up_date"`
	EvidenceID     *string  `json:"evidence_id"`
	ResolvedAt     *string  `json:"resolved_at"`
	ResolvedBy     string   `json:"resolved_by"`
	SourceLineIDs  []string `json:"source_line_ids"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

// EvidenceResponse is one audit record
type EvidenceResponse struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	ItemID      *string `json:"item_id"`
	Link        string  `json:"link"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at"`
}

// MatchRunResponse reports a match run with the resulting snapshot
type MatchRunResponse struct {
	Strategies        []string               `json:"strategies"`
	MatchGroups       int                    `json:"match_groups"`
	MatchesByStrategy map[string]int         `json:"matches_by_strategy"`
	ItemsCreated      int                    `json:"items_created"`
	ItemsReplaced     int                    `json:"items_replaced"`
	ItemsRetained     int                    `json:"items_retained"`
	Reconciliation    ReconciliationResponse `json:"reconciliation"`
}

// ResolveItemResponse returns the resolved item, its evidence and the
// updated snapshot
type ResolveItemResponse struct {
	Item           ReconItemResponse      `json:"item"`
	Evidence       EvidenceResponse       `json:"evidence"`
	Reconciliation ReconciliationResponse `json:"reconciliation"`
}

// CloseReconciliationResponse returns the sealed snapshot and the evidence
// created by the close
type CloseReconciliationResponse struct {
	Reconciliation ReconciliationResponse `json:"reconciliation"`
	Evidence       []EvidenceResponse     `json:"evidence"`
}

// MatchStrategyResponse describes one match strategy. Priority is the
// position in the default run order, 0 for strategies only run on request.
type MatchStrategyResponse struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	IsDefault   bool   `json:"is_default"`
}

// WorkpaperResponse is a time-limited download link
type WorkpaperResponse struct {
	URL        string `json:"url"`
	StorageKey string `json:"storage_key"`
	ExpiresAt  string `json:"expires_at"`
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimestampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTimestamp(*t)
	return &s
}

func formatDate(t time.Time) string {
	return t.Format(domain.DateLayout)
}

func formatDatePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatDate(*t)
	return &s
}

func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func uuidPtrString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func toSummaryResponse(s domain.Summary) ReconciliationSummaryResponse {
	return ReconciliationSummaryResponse{
		ID:               s.ID.String(),
		TenantID:         s.TenantID.String(),
		EngagementID:     s.EngagementID,
		ControlReference: s.ControlReference,
		Name:             s.Name,
		Type:             string(s.Type),
		Currency:         string(s.Currency),
		Status:           string(s.Status),
		PeriodStart:      formatDate(s.PeriodStart),
		PeriodEnd:        formatDate(s.PeriodEnd),
		CreatedAt:        formatTimestamp(s.CreatedAt),
		UpdatedAt:        formatTimestamp(s.UpdatedAt),
		LastMatchedAt:    formatTimestampPtr(s.LastMatchedAt),
		ClosedAt:         formatTimestampPtr(s.ClosedAt),
		OutstandingCount: s.OutstandingCount,
		OutstandingTotal: formatAmount(s.OutstandingTotal.Amount()),
	}
}

func toSummaryResponses(summaries []domain.Summary) []ReconciliationSummaryResponse {
	out := make([]ReconciliationSummaryResponse, len(summaries))
	for i, s := range summaries {
		out[i] = toSummaryResponse(s)
	}
	return out
}

func toReconciliationResponse(s domain.Snapshot) ReconciliationResponse {
	resp := ReconciliationResponse{
		ID:               s.ID.String(),
		TenantID:         s.TenantID.String(),
		EngagementID:     s.EngagementID,
		ControlReference: s.ControlReference,
		Name:             s.Name,
		Type:             string(s.Type),
		Currency:         string(s.Currency),
		Status:           string(s.Status),
		PeriodStart:      formatDate(s.PeriodStart),
		PeriodEnd:        formatDate(s.PeriodEnd),
		CreatedAt:        formatTimestamp(s.CreatedAt),
		UpdatedAt:        formatTimestamp(s.UpdatedAt),
		LastMatchedAt:    formatTimestampPtr(s.LastMatchedAt),
		ClosedAt:         formatTimestampPtr(s.ClosedAt),
		ClosedBy:         s.ClosedBy,
		Summary:          s.Summary,
		Version:          s.Version,
		Statements:       make([]StatementResponse, len(s.Statements)),
		MatchGroups:      make([]MatchGroupResponse, len(s.MatchGroups)),
		Items:            make([]ReconItemResponse, len(s.Items)),
		Evidence:         toEvidenceResponses(s.Evidence),
		EvidenceIDs:      uuidStrings(s.EvidenceIDs),
	}
	for i, stmt := range s.Statements {
		resp.Statements[i] = toStatementResponse(stmt)
	}
	for i, g := range s.MatchGroups {
		resp.MatchGroups[i] = MatchGroupResponse{
			ID:              g.ID.String(),
			Strategy:        string(g.Strategy),
			LedgerLineIDs:   uuidStrings(g.LedgerLineIDs),
			ExternalLineIDs: uuidStrings(g.ExternalLineIDs),
			CreatedAt:       formatTimestamp(g.CreatedAt),
		}
	}
	for i, item := range s.Items {
		resp.Items[i] = toItemResponse(item)
	}
	return resp
}

func toStatementResponse(stmt domain.Statement) StatementResponse {
	resp := StatementResponse{
		ID:            stmt.ID.String(),
		Side:          string(stmt.Side),
		SourceName:    stmt.SourceName,
		StatementDate: formatDatePtr(stmt.StatementDate),
		ImportedAt:    formatTimestamp(stmt.ImportedAt),
		ImportedBy:    stmt.ImportedBy,
		Lines:         make([]StatementLineResponse, len(stmt.Lines)),
	}
	for i, line := range stmt.Lines {
		resp.Lines[i] = StatementLineResponse{
			ID:           line.ID.String(),
			StatementID:  line.StatementID.String(),
			Side:         string(line.Side),
			Date:         formatDate(line.Date),
			Description:  line.Description,
			Reference:    line.Reference,
			Amount:       formatAmount(line.Amount),
			MatchGroupID: uuidPtrString(line.MatchGroupID),
		}
	}
	return resp
}

func toItemResponse(item domain.ReconItem) ReconItemResponse {
	return ReconItemResponse{
		ID:             item.ID.String(),
		Origin:         string(item.Origin),
		Side:           string(item.Side),
		Amount:         formatAmount(item.Amount),
		Reason:         string(item.Reason),
		Status:         string(item.Status),
		IsMisstatement: item.IsMisstatement,
		ResolutionNote: item.ResolutionNote,
		FollowUpDate:   formatDatePtr(item.FollowUpDate),
		EvidenceID:     uuidPtrString(item.EvidenceID),
		ResolvedAt:     formatTimestampPtr(item.ResolvedAt),
		ResolvedBy:     item.ResolvedBy,
		SourceLineIDs:  uuidStrings(item.SourceLineIDs),
		CreatedAt:      formatTimestamp(item.CreatedAt),
		UpdatedAt:      formatTimestamp(item.UpdatedAt),
	}
}

func toEvidenceResponse(e domain.Evidence) EvidenceResponse {
	return EvidenceResponse{
		ID:          e.ID.String(),
		Type:        string(e.Type),
		Description: e.Description,
		ItemID:      uuidPtrString(e.ItemID),
		Link:        e.Link,
		CreatedBy:   e.CreatedBy,
		CreatedAt:   formatTimestamp(e.CreatedAt),
	}
}

func toEvidenceResponses(evidence []domain.Evidence) []EvidenceResponse {
	out := make([]EvidenceResponse, len(evidence))
	for i, e := range evidence {
		out[i] = toEvidenceResponse(e)
	}
	return out
}

func toMatchRunResponse(result *reconciliation.MatchResult) MatchRunResponse {
	resp := MatchRunResponse{
		Strategies:        make([]string, len(result.Run.Strategies)),
		MatchGroups:       result.Run.MatchGroups,
		MatchesByStrategy: make(map[string]int, len(result.Run.MatchesByStrategy)),
		ItemsCreated:      result.Run.ItemsCreated,
		ItemsReplaced:     result.Run.ItemsReplaced,
		ItemsRetained:     result.Run.ItemsRetained,
		Reconciliation:    toReconciliationResponse(result.Reconciliation),
	}
	for i, s := range result.Run.Strategies {
		resp.Strategies[i] = string(s)
	}
	for s, n := range result.Run.MatchesByStrategy {
		resp.MatchesByStrategy[string(s)] = n
	}
	return resp
}

func (r ImportStatementRequest) toInput() domain.StatementInput {
	input := domain.StatementInput{
		Side:          domain.StatementSide(r.Side),
		SourceName:    r.SourceName,
		StatementDate: r.StatementDate,
		ImportedBy:    r.ImportedBy,
		Lines:         make([]domain.StatementLineInput, len(r.Lines)),
	}
	for i, l := range r.Lines {
		input.Lines[i] = domain.StatementLineInput{
			Date:        l.Date,
			Description: l.Description,
			Reference:   l.Reference,
			Amount:      l.Amount,
		}
	}
	return input
}

// toStrategies keeps nil distinct from empty so an omitted list means the
// default order
func (r RunMatchRequest) toStrategies() []domain.MatchStrategyType {
	if r.Strategies == nil {
		return nil
	}
	out := make([]domain.MatchStrategyType, len(r.Strategies))
	for i, s := range r.Strategies {
		out[i] = domain.MatchStrategyType(s)
	}
	return out
}
