package loan

import (
	"fmt"
	"time"

	"lending-engine/internal/pkg/apperrors"
)

// Money is an amount expressed in minor currency units (cents for SGD,
// dong for VND). All schedule arithmetic is integer arithmetic.
type Money = int64

type Currency string

const (
	CurrencySGD Currency = "SGD"
	CurrencyVND Currency = "VND"
)

// Exponent is the number of minor-unit digits used when converting to and
// from decimal strings at the API boundary.
func (c Currency) Exponent() int32 {
	switch c {
	case CurrencyVND:
		return 0
	default:
		return 2
	}
}

func ParseCurrency(code string) (Currency, error) {
	switch Currency(code) {
	case CurrencySGD, CurrencyVND:
		return Currency(code), nil
	default:
		return "", fmt.Errorf("%w: %q", apperrors.ErrUnsupportedCurrency, code)
	}
}

type LoanStatus string

const (
	StatusDue    LoanStatus = "DUE"
	StatusRepaid LoanStatus = "REPAID"
)

type RepaymentStatus string

const (
	RepaymentStatusDue     RepaymentStatus = "DUE"
	RepaymentStatusPartial RepaymentStatus = "PARTIAL"
	RepaymentStatusRepaid  RepaymentStatus = "REPAID"
)

type Loan struct {
	ID                int64
	BorrowerID        int64
	Amount            Money
	OutstandingAmount Money
	CurrencyCode      Currency
	Terms             int
	Status            LoanStatus
	ProcessedAt       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Schedule          []ScheduledRepayment
}

type ScheduledRepayment struct {
	ID                int64
	LoanID            int64
	Amount            Money
	OutstandingAmount Money
	CurrencyCode      Currency
	DueDate           time.Time
	Status            RepaymentStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ReceivedRepayment is the append-only audit record of cash received. It is
// written on every repayment call, whether or not anything gets allocated.
type ReceivedRepayment struct {
	ID           int64
	LoanID       int64
	Reference    string
	Amount       Money
	CurrencyCode Currency
	ReceivedAt   time.Time
	CreatedAt    time.Time
}

func NewLoan(borrowerID int64, principal Money, currency Currency, terms int, processedAt time.Time) (*Loan, error) {
	if principal < 1 {
		return nil, fmt.Errorf("%w: principal must be at least 1 minor unit", apperrors.ErrInvalidArgument)
	}
	if terms < 1 {
		return nil, fmt.Errorf("%w: terms must be at least 1", apperrors.ErrInvalidArgument)
	}
	if _, err := ParseCurrency(string(currency)); err != nil {
		return nil, err
	}
	if processedAt.IsZero() {
		return nil, fmt.Errorf("%w: processed date is required", apperrors.ErrInvalidArgument)
	}

	return &Loan{
		BorrowerID:        borrowerID,
		Amount:            principal,
		OutstandingAmount: principal,
		CurrencyCode:      currency,
		Terms:             terms,
		Status:            StatusDue,
		ProcessedAt:       processedAt,
	}, nil
}

// GenerateSchedule splits the principal into Terms monthly installments.
// Every installment gets principal/terms; the integer-division remainder is
// carried entirely by the last installment so the amounts always sum back to
// the principal. Due dates fall one calendar month apart starting one month
// after the processed date.
func (l *Loan) GenerateSchedule() []ScheduledRepayment {
	base := l.Amount / Money(l.Terms)
	remainder := l.Amount % Money(l.Terms)

	schedule := make([]ScheduledRepayment, 0, l.Terms)
	for i := 0; i < l.Terms; i++ {
		amount := base
		if i == l.Terms-1 {
			amount += remainder
		}
		schedule = append(schedule, ScheduledRepayment{
			Amount:            amount,
			OutstandingAmount: amount,
			CurrencyCode:      l.CurrencyCode,
			DueDate:           addMonths(l.ProcessedAt, i+1),
			Status:            RepaymentStatusDue,
		})
	}
	return schedule
}

// addMonths advances a calendar date by whole months, clamping the day of
// month to the end of the target month instead of letting it roll over
// (Jan 31 + 1 month = Feb 28, not Mar 3).
func addMonths(d time.Time, months int) time.Time {
	year, month, day := d.Date()
	firstOfTarget := time.Date(year, month, 1, 0, 0, 0, 0, d.Location()).AddDate(0, months, 0)

	lastDay := daysIn(firstOfTarget.Year(), firstOfTarget.Month(), d.Location())
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, 0, 0, 0, 0, d.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	// day 0 of the next month is the last day of this month
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// applyDeduction is the single status-transition rule for an installment:
// REPAID when nothing is left outstanding, PARTIAL otherwise.
func applyDeduction(outstanding, deduct Money) (Money, RepaymentStatus) {
	remaining := outstanding - deduct
	if remaining == 0 {
		return 0, RepaymentStatusRepaid
	}
	return remaining, RepaymentStatusPartial
}

// Allocate walks open installments in the order given (callers must pass
// them sorted ascending by due date) and greedily consumes the payment
// amount against each installment's outstanding balance. Entries are mutated
// in place. It returns the total amount applied and the number of leading
// entries touched. Any surplus beyond the total outstanding stays
// unallocated; only the receipt record keeps track of it.
func Allocate(open []ScheduledRepayment, amount Money) (applied Money, touched int) {
	remaining := amount
	for i := range open {
		if remaining <= 0 {
			break
		}
		deduct := remaining
		if open[i].OutstandingAmount < deduct {
			deduct = open[i].OutstandingAmount
		}
		open[i].OutstandingAmount, open[i].Status = applyDeduction(open[i].OutstandingAmount, deduct)
		remaining -= deduct
		applied += deduct
		touched = i + 1
	}
	return applied, touched
}

// OutstandingTotal sums installment outstanding balances. The loan-level
// outstanding amount is always derived through this sum, never maintained by
// an independent subtraction.
func OutstandingTotal(schedule []ScheduledRepayment) Money {
	var total Money
	for i := range schedule {
		total += schedule[i].OutstandingAmount
	}
	return total
}
