package ledger

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func tx(id, from, to, amount string, cat Category, minutes int) Transaction {
	return Transaction{
		ID:        id,
		From:      from,
		To:        to,
		Amount:    d(amount),
		Category:  cat,
		CreatedAt: base.Add(time.Duration(minutes) * time.Minute),
	}
}

func assertDecimal(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(d(want)) {
		t.Fatalf("%s = %s, want %s", name, got, want)
	}
}

func TestAggregate_RewardFoldsIntoDirect(t *testing.T) {
	txs := []Transaction{
		tx("t1", "", "alice", "100", CategoryDirect, 1),
		tx("t2", "", "alice", "50", CategoryReward, 2),
		tx("t3", "alice", "bob", "30", CategoryDirect, 3),
	}

	s := Aggregate("alice", txs)

	assertDecimal(t, "balance", s.Balance, "120")
	assertDecimal(t, "DIRECT", s.Subtotals[CategoryDirect], "150")
	assertDecimal(t, "FENIX", s.Subtotals[CategoryFenix], "0")
	assertDecimal(t, "KERNEL", s.Subtotals[CategoryKernel], "0")
	if _, ok := s.Subtotals[CategoryReward]; ok {
		t.Fatal("REWARD must not have its own bucket")
	}
	if _, ok := s.Subtotals[CategoryOther]; ok {
		t.Fatal("OTHER bucket present without unknown credits")
	}
	assertDecimal(t, "Subtotal(REWARD)", s.Subtotal(CategoryReward), "150")
	if s.Count != 3 || len(s.Rejected) != 0 {
		t.Fatalf("count=%d rejected=%d", s.Count, len(s.Rejected))
	}
}

func TestAggregate_EmptyWindow(t *testing.T) {
	for _, txs := range [][]Transaction{nil, {}} {
		s := Aggregate("alice", txs)
		assertDecimal(t, "balance", s.Balance, "0")
		for c, v := range s.Subtotals {
			assertDecimal(t, string(c), v, "0")
		}
		if s.Count != 0 || len(s.Rejected) != 0 {
			t.Fatalf("empty window produced count=%d rejected=%d", s.Count, len(s.Rejected))
		}
	}
}

func TestAggregate_OrderIndependent(t *testing.T) {
	txs := []Transaction{
		tx("a", "", "p", "10.5", CategoryDirect, 1),
		tx("b", "p", "q", "3.25", CategoryFenix, 2),
		tx("c", "q", "p", "7", CategoryKernel, 3),
		tx("e", "", "p", "2", CategoryReward, 4),
		tx("f", "p", "p", "5", CategoryFenix, 5),
		tx("g", "x", "p", "1.75", Category("STAKING"), 6),
		tx("h", "p", "", "0.5", CategoryDirect, 7),
		tx("i", "", "p", "-4", CategoryDirect, 8),
		tx("j", "q", "r", "1000", CategoryDirect, 9),
	}
	want := Aggregate("p", txs)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		shuffled := append([]Transaction(nil), txs...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got := Aggregate("p", shuffled)
		if !got.Balance.Equal(want.Balance) {
			t.Fatalf("permutation %d: balance %s, want %s", i, got.Balance, want.Balance)
		}
		if len(got.Subtotals) != len(want.Subtotals) {
			t.Fatalf("permutation %d: %d buckets, want %d", i, len(got.Subtotals), len(want.Subtotals))
		}
		for c, v := range want.Subtotals {
			if !got.Subtotals[c].Equal(v) {
				t.Fatalf("permutation %d: %s = %s, want %s", i, c, got.Subtotals[c], v)
			}
		}
		if len(got.Rejected) != len(want.Rejected) || got.Count != want.Count {
			t.Fatalf("permutation %d: rejected/count mismatch", i)
		}
	}
}

func TestAggregate_ConflictingDuplicatesOrderIndependent(t *testing.T) {
	first := tx("x", "", "p", "10", CategoryDirect, 1)
	second := tx("x", "", "p", "99", CategoryFenix, 1)
	third := tx("x", "p", "q", "4", CategoryKernel, 1)

	orders := [][]Transaction{
		{first, second, third},
		{second, first, third},
		{third, second, first},
		{second, third, first},
	}
	want := Aggregate("p", orders[0])
	for i, txs := range orders[1:] {
		got := Aggregate("p", txs)
		if !got.Balance.Equal(want.Balance) {
			t.Fatalf("order %d: balance %s, want %s", i+1, got.Balance, want.Balance)
		}
		for _, c := range []Category{CategoryDirect, CategoryFenix, CategoryKernel} {
			if !got.Subtotals[c].Equal(want.Subtotals[c]) {
				t.Fatalf("order %d: %s = %s, want %s", i+1, c, got.Subtotals[c], want.Subtotals[c])
			}
		}
		if got.Count != 1 || len(got.Rejected) != 2 {
			t.Fatalf("order %d: count=%d rejected=%d", i+1, got.Count, len(got.Rejected))
		}
	}
	// the sender copy (4) sorts first by amount
	assertDecimal(t, "balance", want.Balance, "-4")
}

func TestAggregator_UnrelatedRecordsDoNotUseWindow(t *testing.T) {
	txs := []Transaction{tx("mine", "", "p", "7", CategoryDirect, 0)}
	for i := 1; i <= DefaultLimit+5; i++ {
		txs = append(txs, tx(fmt.Sprintf("other-%d", i), "q", "r", "1", CategoryDirect, i))
	}

	s := Aggregate("p", txs)
	assertDecimal(t, "balance", s.Balance, "7")
	if s.Count != 1 || len(s.Accepted) != 1 || s.Accepted[0].ID != "mine" {
		t.Fatalf("count=%d accepted=%v", s.Count, s.Accepted)
	}
}

func TestAggregate_AcceptedExcludesRejected(t *testing.T) {
	s := Aggregate("p", []Transaction{
		tx("a", "", "p", "1", CategoryDirect, 1),
		tx("b", "", "p", "-1", CategoryDirect, 2),
		tx("c", "p", "q", "1", CategoryDirect, 3),
		tx("d", "q", "r", "1", CategoryDirect, 4),
	})
	if len(s.Accepted) != 2 || s.Accepted[0].ID != "c" || s.Accepted[1].ID != "a" {
		t.Fatalf("accepted = %v", s.Accepted)
	}
}

func TestAggregate_SelfTransfer(t *testing.T) {
	s := Aggregate("p", []Transaction{tx("s", "p", "p", "40", CategoryKernel, 1)})

	assertDecimal(t, "balance", s.Balance, "0")
	assertDecimal(t, "KERNEL", s.Subtotals[CategoryKernel], "40")
	assertDecimal(t, "credits", s.Credits, "40")
	assertDecimal(t, "debits", s.Debits, "40")
}

func TestAggregate_UnknownCategoryGoesToOther(t *testing.T) {
	s := Aggregate("p", []Transaction{
		tx("1", "", "p", "12", Category("STAKING"), 1),
		tx("2", "", "p", "3", Category(""), 2),
		tx("3", "", "p", "1", Category("reward"), 3),
	})

	assertDecimal(t, "OTHER", s.Subtotals[CategoryOther], "15")
	assertDecimal(t, "DIRECT", s.Subtotals[CategoryDirect], "1")
}

func TestAggregate_SubtotalsSumToCredits(t *testing.T) {
	s := Aggregate("p", []Transaction{
		tx("1", "", "p", "12", CategoryFenix, 1),
		tx("2", "", "p", "3", Category("GRANT"), 2),
		tx("3", "q", "p", "8", CategoryReward, 3),
		tx("4", "p", "q", "6", CategoryDirect, 4),
	})

	sum := decimal.Zero
	for _, v := range s.Subtotals {
		sum = sum.Add(v)
	}
	if !sum.Equal(s.Credits) {
		t.Fatalf("sum(subtotals) = %s, credits = %s", sum, s.Credits)
	}
	assertDecimal(t, "balance", s.Balance, "17")
}

func TestAggregate_RejectsMalformedRecords(t *testing.T) {
	txs := []Transaction{
		tx("ok", "", "p", "10", CategoryDirect, 1),
		tx("", "", "p", "10", CategoryDirect, 2),
		tx("neg", "", "p", "-5", CategoryDirect, 3),
		tx("ok", "", "p", "10", CategoryDirect, 1),
	}

	s := Aggregate("p", txs)

	assertDecimal(t, "balance", s.Balance, "10")
	if s.Count != 1 {
		t.Fatalf("count = %d, want 1", s.Count)
	}
	if len(s.Rejected) != 3 {
		t.Fatalf("rejected = %d, want 3", len(s.Rejected))
	}
	reasons := map[error]bool{}
	for _, r := range s.Rejected {
		reasons[r.Reason] = true
	}
	for _, want := range []error{ErrMissingID, ErrNegativeAmount, ErrDuplicateID} {
		if !reasons[want] {
			t.Errorf("missing rejection %v", want)
		}
	}
}

func TestAggregate_IgnoresUnrelatedAndAnonymous(t *testing.T) {
	txs := []Transaction{tx("1", "q", "r", "10", CategoryDirect, 1)}
	if s := Aggregate("p", txs); s.Count != 0 || !s.Balance.IsZero() {
		t.Fatalf("unrelated transaction counted: %+v", s)
	}
	if s := Aggregate("", []Transaction{tx("1", "", "", "10", CategoryDirect, 1)}); s.Count != 0 || len(s.Rejected) != 0 {
		t.Fatalf("empty principal must aggregate nothing: %+v", s)
	}
}

func TestAggregator_WindowCap(t *testing.T) {
	var txs []Transaction
	for i := 0; i < 60; i++ {
		txs = append(txs, tx(string(rune('A'+i)), "", "p", "1", CategoryDirect, i))
	}
	s := NewAggregator(0).Aggregate("p", txs)
	if s.Count != DefaultLimit {
		t.Fatalf("count = %d, want %d", s.Count, DefaultLimit)
	}

	s = NewAggregator(5).Aggregate("p", txs)
	assertDecimal(t, "balance", s.Balance, "5")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		tx   Transaction
		want error
	}{
		{"valid credit", tx("1", "", "p", "1", CategoryDirect, 0), nil},
		{"zero amount", tx("1", "p", "", "0", CategoryDirect, 0), nil},
		{"missing id", tx(" ", "", "p", "1", CategoryDirect, 0), ErrMissingID},
		{"no parties", tx("1", "", "", "1", CategoryDirect, 0), ErrMissingParty},
		{"negative", tx("1", "", "p", "-1", CategoryDirect, 0), ErrNegativeAmount},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.tx.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("Validate() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestWindow_NewestFirstWithoutMutatingInput(t *testing.T) {
	txs := []Transaction{
		tx("b", "", "p", "1", CategoryDirect, 1),
		tx("c", "", "p", "1", CategoryDirect, 3),
		tx("a", "", "p", "1", CategoryDirect, 1),
	}
	got := Window(txs, 2)
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Fatalf("Window = %v", []string{got[0].ID, got[1].ID})
	}
	if txs[0].ID != "b" {
		t.Fatal("Window mutated its input")
	}
}

func TestCategory_Bucket(t *testing.T) {
	tests := map[Category]Category{
		CategoryDirect:      CategoryDirect,
		CategoryReward:      CategoryDirect,
		CategoryFenix:       CategoryFenix,
		CategoryKernel:      CategoryKernel,
		Category("kernel"):  CategoryKernel,
		Category("AIRDROP"): CategoryOther,
	}
	for in, want := range tests {
		if got := in.Bucket(); got != want {
			t.Errorf("%q.Bucket() = %q, want %q", in, got, want)
		}
	}
}
