/*
Package generic provides the domain-agnostic money ledger.

PURPOSE:
  This package contains the types shared by everything that writes money
  movements: amounts with a currency, ledger entries, typed identifiers and
  the append-only ledger itself. The recurrence engine (package recurring)
  materializes obligations into entries defined here, but nothing in this
  package knows what an obligation is beyond an opaque back-reference.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A non-negative fixed-point value with a currency code
  - Entry: An immutable ledger entry (one materialized money movement)
  - EntryKind: INCOME, EXPENSE or TRANSFER
  - IDs: Type-safe identifiers for users, entries and sources

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified once appended
  2. Precision: Uses decimal.Decimal, amounts carry at most 2 fraction digits
  3. Type Safety: Distinct ID types prevent mixing users and entries
  4. Idempotency: Every entry carries an idempotency key

USAGE:
  amount := generic.MustAmount("150000.00", "IDR")
  entry := generic.Entry{
      UserID: "user-1",
      Kind:   generic.KindExpense,
      Amount: amount,
  }

SEE ALSO:
  - ledger.go: Idempotent append on top of EntryStore
  - errors.go: Error taxonomy shared with the recurrence engine
  - time.go: Calendar arithmetic with month-end clamping
*/
package generic

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Fixed-point money value with currency
// =============================================================================

// DefaultCurrency is used when an obligation does not name one.
const DefaultCurrency = "IDR"

// AmountScale is the number of fraction digits an amount may carry.
const AmountScale = 2

type Amount struct {
	Value    decimal.Decimal
	Currency string
}

func NewAmount(value decimal.Decimal, currency string) Amount {
	if currency == "" {
		currency = DefaultCurrency
	}
	return Amount{Value: value, Currency: currency}
}

// ParseAmount parses a decimal string such as "1250.50".
func ParseAmount(s, currency string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return NewAmount(d, currency), nil
}

// MustAmount is ParseAmount for literals in tests and fixtures.
func MustAmount(s, currency string) Amount {
	a, err := ParseAmount(s, currency)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) IsNegative() bool { return a.Value.IsNegative() }
func (a Amount) IsZero() bool     { return a.Value.IsZero() }
func (a Amount) Equal(b Amount) bool {
	return a.Currency == b.Currency && a.Value.Equal(b.Value)
}

// HasValidScale reports whether the value fits the fixed-point scale.
func (a Amount) HasValidScale() bool {
	return a.Value.Equal(a.Value.Round(AmountScale))
}

// String renders the value with exactly two fraction digits.
func (a Amount) String() string {
	return a.Value.StringFixed(AmountScale) + " " + a.Currency
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string

// SourceID references whatever produced an entry (e.g. a recurring
// obligation). Empty for manually recorded entries.
type SourceID string

// =============================================================================
// ENTRY - One materialized money movement
// =============================================================================

type EntryKind string

const (
	KindIncome   EntryKind = "INCOME"
	KindExpense  EntryKind = "EXPENSE"
	KindTransfer EntryKind = "TRANSFER"
)

func (k EntryKind) Valid() bool {
	switch k {
	case KindIncome, KindExpense, KindTransfer:
		return true
	}
	return false
}

type EntryStatus string

const (
	EntryCompleted EntryStatus = "COMPLETED"
)

type Entry struct {
	ID            EntryID
	UserID        UserID
	SourceID      SourceID
	Kind          EntryKind
	Amount        Amount
	Category      string
	Subcategory   string
	Description   string
	PaymentMethod string
	Status        EntryStatus

	// OccurredAt is when the entry was materialized ("now" at processing).
	OccurredAt time.Time
	// Occurrence is the scheduled due date this entry stands for.
	Occurrence time.Time

	IdempotencyKey string
	Metadata       map[string]string
	CreatedAt      time.Time
}
