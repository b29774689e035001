package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// DefaultLimit is the transaction window size used when none is configured.
const DefaultLimit = 50

// Rejection is a record skipped because it violates the data model.
type Rejection struct {
	ID     string `json:"id"`
	Reason error  `json:"-"`
}

// Summary is the derived state of one principal's transaction window.
type Summary struct {
	Principal string
	Balance   decimal.Decimal
	Credits   decimal.Decimal
	Debits    decimal.Decimal
	// Subtotals holds inbound credits per bucket. DIRECT, FENIX and KERNEL
	// are always present; OTHER only when such a credit was seen.
	Subtotals map[Category]decimal.Decimal
	// Count is the number of accepted records involving the principal.
	Count int
	// Accepted holds the counted records, newest first.
	Accepted []Transaction
	Rejected []Rejection
}

// Subtotal returns the subtotal of the bucket c folds into.
func (s Summary) Subtotal(c Category) decimal.Decimal {
	return s.Subtotals[c.Bucket()]
}

// Aggregator folds transaction windows into summaries.
type Aggregator struct {
	limit int
}

// NewAggregator returns an aggregator capping windows at limit records.
// A non-positive limit selects DefaultLimit.
func NewAggregator(limit int) Aggregator {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return Aggregator{limit: limit}
}

// Limit is the window cap.
func (a Aggregator) Limit() int {
	if a.limit <= 0 {
		return DefaultLimit
	}
	return a.limit
}

// Aggregate computes the balance and credit subtotals of principal over the
// most recent Limit() records of txs involving principal. Records of other
// parties are ignored and do not take up the window. The result does not
// depend on the order of txs. Aggregate never fails; malformed records are
// reported in Rejected.
//
// When an ID repeats, the copy that sorts first under SortRecent is counted
// and the others are rejected as duplicates.
func (a Aggregator) Aggregate(principal string, txs []Transaction) Summary {
	s := Summary{
		Principal: principal,
		Balance:   decimal.Zero,
		Credits:   decimal.Zero,
		Debits:    decimal.Zero,
		Subtotals: map[Category]decimal.Decimal{
			CategoryDirect: decimal.Zero,
			CategoryFenix:  decimal.Zero,
			CategoryKernel: decimal.Zero,
		},
	}
	if principal == "" {
		return s
	}

	own := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Involves(principal) {
			own = append(own, tx)
		}
	}

	seen := make(map[string]struct{})
	for _, tx := range Window(own, a.Limit()) {
		if err := tx.Validate(); err != nil {
			s.Rejected = append(s.Rejected, Rejection{ID: tx.ID, Reason: err})
			continue
		}
		if _, dup := seen[tx.ID]; dup {
			s.Rejected = append(s.Rejected, Rejection{ID: tx.ID, Reason: ErrDuplicateID})
			continue
		}
		seen[tx.ID] = struct{}{}
		s.Count++
		s.Accepted = append(s.Accepted, tx)

		// A self-transfer takes both branches: net zero balance, but the
		// credit still counts toward its bucket.
		if tx.To == principal {
			s.Balance = s.Balance.Add(tx.Amount)
			s.Credits = s.Credits.Add(tx.Amount)
			b := tx.Category.Bucket()
			s.Subtotals[b] = s.Subtotals[b].Add(tx.Amount)
		}
		if tx.From == principal {
			s.Balance = s.Balance.Sub(tx.Amount)
			s.Debits = s.Debits.Add(tx.Amount)
		}
	}

	sort.Slice(s.Rejected, func(i, j int) bool {
		if s.Rejected[i].ID != s.Rejected[j].ID {
			return s.Rejected[i].ID < s.Rejected[j].ID
		}
		return s.Rejected[i].Reason.Error() < s.Rejected[j].Reason.Error()
	})
	return s
}

// Aggregate folds txs with the default window cap.
func Aggregate(principal string, txs []Transaction) Summary {
	return NewAggregator(DefaultLimit).Aggregate(principal, txs)
}
