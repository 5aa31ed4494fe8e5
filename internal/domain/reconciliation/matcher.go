package reconciliation

import (
	"fmt"
	"time"

	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/erp/reconciliation/internal/domain/shared/strategy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MatchStrategyType names a deterministic pairing rule
type MatchStrategyType string

const (
	MatchAmountAndDate MatchStrategyType = "AMOUNT_AND_DATE" // Same amount on the same date
	MatchAmountOnly    MatchStrategyType = "AMOUNT_ONLY"     // Same amount, any date
)

// IsValid checks if the strategy type is a valid value
func (t MatchStrategyType) IsValid() bool {
	return t == MatchAmountAndDate || t == MatchAmountOnly
}

// String returns the string representation
func (t MatchStrategyType) String() string {
	return string(t)
}

// DefaultMatchStrategies returns the default priority order
func DefaultMatchStrategies() []MatchStrategyType {
	return []MatchStrategyType{MatchAmountAndDate, MatchAmountOnly}
}

// MatchStrategy buckets lines by a key; lines from opposite sides with equal
// keys are candidates for pairing.
type MatchStrategy interface {
	strategy.Strategy
	MatchType() MatchStrategyType
	Key(line *StatementLine) string
}

// AmountAndDateStrategy keys lines by amount and calendar date
type AmountAndDateStrategy struct {
	strategy.BaseStrategy
}

// NewAmountAndDateStrategy creates the AMOUNT_AND_DATE strategy
func NewAmountAndDateStrategy() *AmountAndDateStrategy {
	return &AmountAndDateStrategy{
		BaseStrategy: strategy.NewBaseStrategy(
			string(MatchAmountAndDate),
			strategy.StrategyTypeMatching,
			"Pairs lines with the same amount on the same date",
		),
	}
}

// MatchType returns AMOUNT_AND_DATE
func (s *AmountAndDateStrategy) MatchType() MatchStrategyType {
	return MatchAmountAndDate
}

// Key returns "amount|date"
func (s *AmountAndDateStrategy) Key(line *StatementLine) string {
	return amountKey(line.Amount) + "|" + dateKey(line.Date)
}

// AmountOnlyStrategy keys lines by amount alone
type AmountOnlyStrategy struct {
	strategy.BaseStrategy
}

// NewAmountOnlyStrategy creates the AMOUNT_ONLY strategy
func NewAmountOnlyStrategy() *AmountOnlyStrategy {
	return &AmountOnlyStrategy{
		BaseStrategy: strategy.NewBaseStrategy(
			string(MatchAmountOnly),
			strategy.StrategyTypeMatching,
			"Pairs lines with the same amount regardless of date",
		),
	}
}

// MatchType returns AMOUNT_ONLY
func (s *AmountOnlyStrategy) MatchType() MatchStrategyType {
	return MatchAmountOnly
}

// Key returns "amount"
func (s *AmountOnlyStrategy) Key(line *StatementLine) string {
	return amountKey(line.Amount)
}

func amountKey(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

func dateKey(date time.Time) string {
	if date.IsZero() {
		return ""
	}
	return date.Format(DateLayout)
}

// NewMatchStrategy creates the strategy for a type
func NewMatchStrategy(t MatchStrategyType) (MatchStrategy, error) {
	switch t {
	case MatchAmountAndDate:
		return NewAmountAndDateStrategy(), nil
	case MatchAmountOnly:
		return NewAmountOnlyStrategy(), nil
	default:
		return nil, shared.NewValidationError(fmt.Sprintf("unknown match strategy %q", t))
	}
}

// AvailableMatchStrategies returns every known strategy
func AvailableMatchStrategies() []MatchStrategy {
	return []MatchStrategy{NewAmountAndDateStrategy(), NewAmountOnlyStrategy()}
}

// ResolveMatchStrategies turns a requested list into strategies in priority
// order. A nil list selects the defaults; an empty list disables pairing.
// Repeated entries keep their first position.
func ResolveMatchStrategies(types []MatchStrategyType) ([]MatchStrategy, error) {
	if types == nil {
		types = DefaultMatchStrategies()
	}
	seen := make(map[MatchStrategyType]bool, len(types))
	strategies := make([]MatchStrategy, 0, len(types))
	for _, t := range types {
		if seen[t] {
			continue
		}
		s, err := NewMatchStrategy(t)
		if err != nil {
			return nil, err
		}
		seen[t] = true
		strategies = append(strategies, s)
	}
	return strategies, nil
}

// MatchGroup records one pairing. The id slices always hold exactly one id
// each today; they leave room for split matches.
type MatchGroup struct {
	ID              uuid.UUID
	Strategy        MatchStrategyType
	LedgerLineIDs   []uuid.UUID
	ExternalLineIDs []uuid.UUID
	CreatedAt       time.Time
}

func (g MatchGroup) clone() MatchGroup {
	c := g
	c.LedgerLineIDs = cloneUUIDs(g.LedgerLineIDs)
	c.ExternalLineIDs = cloneUUIDs(g.ExternalLineIDs)
	return c
}

// MatchRunResult summarizes one matcher run
type MatchRunResult struct {
	Strategies        []MatchStrategyType
	MatchGroups       int
	MatchesByStrategy map[MatchStrategyType]int
	ItemsCreated      int
	ItemsReplaced     int
	ItemsRetained     int
}

// lineQueue is a FIFO bucket of candidate lines
type lineQueue struct {
	lines []*StatementLine
	head  int
}

func (q *lineQueue) push(line *StatementLine) {
	q.lines = append(q.lines, line)
}

func (q *lineQueue) pop() (*StatementLine, bool) {
	if q.head >= len(q.lines) {
		return nil, false
	}
	line := q.lines[q.head]
	q.lines[q.head] = nil
	q.head++
	return line, true
}

// RunDeterministicMatch discards previous match groups and automatic
// outstanding items, pairs lines strategy by strategy, and raises an
// outstanding item for every line left unpaired and not already explained by a
// resolved item.
func (r *Reconciliation) RunDeterministicMatch(types []MatchStrategyType, now time.Time) (*MatchRunResult, error) {
	if err := r.ensureNotClosed("run match"); err != nil {
		return nil, err
	}
	strategies, err := ResolveMatchStrategies(types)
	if err != nil {
		return nil, err
	}

	result := &MatchRunResult{
		Strategies:        make([]MatchStrategyType, 0, len(strategies)),
		MatchesByStrategy: make(map[MatchStrategyType]int, len(strategies)),
	}
	for _, s := range strategies {
		result.Strategies = append(result.Strategies, s.MatchType())
	}

	covered := r.resetMatchState(result)

	ledger := r.linesBySide(SideLedger)
	external := r.linesBySide(SideExternal)
	matched := make(map[uuid.UUID]bool)

	for _, s := range strategies {
		buckets := make(map[string]*lineQueue)
		for _, ext := range external {
			if matched[ext.ID] {
				continue
			}
			key := s.Key(ext)
			q, ok := buckets[key]
			if !ok {
				q = &lineQueue{}
				buckets[key] = q
			}
			q.push(ext)
		}

		for _, led := range ledger {
			if matched[led.ID] {
				continue
			}
			q, ok := buckets[s.Key(led)]
			if !ok {
				continue
			}
			ext, ok := q.pop()
			if !ok {
				continue
			}
			group := MatchGroup{
				ID:              uuid.New(),
				Strategy:        s.MatchType(),
				LedgerLineIDs:   []uuid.UUID{led.ID},
				ExternalLineIDs: []uuid.UUID{ext.ID},
				CreatedAt:       now,
			}
			r.MatchGroups = append(r.MatchGroups, group)
			led.MatchGroupID = cloneUUID(&group.ID)
			ext.MatchGroupID = cloneUUID(&group.ID)
			matched[led.ID] = true
			matched[ext.ID] = true
			result.MatchesByStrategy[s.MatchType()]++
			result.MatchGroups++
		}
	}

	for _, lines := range [][]*StatementLine{ledger, external} {
		for _, line := range lines {
			if matched[line.ID] || covered[line.ID] {
				continue
			}
			r.Items = append(r.Items, newUnmatchedItem(line, now))
			result.ItemsCreated++
		}
	}

	if result.MatchGroups > 0 || result.ItemsCreated > 0 {
		r.markInProgress()
	}
	matchedAt := now
	r.LastMatchedAt = &matchedAt
	r.Touch(now)

	r.AddDomainEvent(NewMatchRunCompletedEvent(r, result, now))
	return result, nil
}

// resetMatchState clears match groups and line links, drops automatic
// outstanding items, and returns the line ids covered by resolved items.
func (r *Reconciliation) resetMatchState(result *MatchRunResult) map[uuid.UUID]bool {
	r.MatchGroups = nil
	for si := range r.Statements {
		for li := range r.Statements[si].Lines {
			r.Statements[si].Lines[li].MatchGroupID = nil
		}
	}

	covered := make(map[uuid.UUID]bool)
	kept := make([]ReconItem, 0, len(r.Items))
	for _, item := range r.Items {
		if item.Status == ItemStatusOutstanding && item.Origin == ItemOriginAutomatch {
			result.ItemsReplaced++
			continue
		}
		kept = append(kept, item)
		if item.Status == ItemStatusResolved {
			result.ItemsRetained++
			for _, id := range item.SourceLineIDs {
				covered[id] = true
			}
		}
	}
	r.Items = kept
	return covered
}
