package dto

import (
	"fmt"
	"strconv"
	"time"

	"lending-engine/internal/domain/loan"

	"github.com/shopspring/decimal"
)

// ParseMoney converts a decimal string from the API into minor units for the
// given currency. "1666.67" in SGD becomes 166667; VND carries no minor
// digits so "500000" becomes 500000. Amounts with more precision than the
// currency allows are rejected.
func ParseMoney(amount string, currency loan.Currency) (loan.Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric format: %w", err)
	}
	shifted := d.Shift(currency.Exponent())
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s has more precision than %s allows", amount, currency)
	}
	return shifted.IntPart(), nil
}

// FormatMoney renders minor units back into the decimal string used on the
// wire, with the currency's full number of minor digits.
func FormatMoney(m loan.Money, currency loan.Currency) string {
	exp := currency.Exponent()
	return decimal.New(m, -exp).StringFixed(exp)
}

type CreateLoanRequest struct {
	BorrowerID   int64  `json:"borrowerId"`
	Principal    string `json:"principal"`
	CurrencyCode string `json:"currencyCode"`
	Terms        int    `json:"terms"`
	ProcessedAt  string `json:"processedAt"`
}

func (r *CreateLoanRequest) Validate() error {
	if r.BorrowerID <= 0 {
		return fmt.Errorf("borrowerId must be positive")
	}
	currency, err := loan.ParseCurrency(r.CurrencyCode)
	if err != nil {
		return err
	}
	principal, err := ParseMoney(r.Principal, currency)
	if err != nil {
		return fmt.Errorf("invalid principal: %w", err)
	}
	if principal < 1 {
		return fmt.Errorf("principal must be at least one minor unit")
	}
	if r.Terms <= 0 {
		return fmt.Errorf("terms must be positive")
	}
	if _, err := time.Parse(time.RFC3339[:10], r.ProcessedAt); err != nil || r.ProcessedAt == "" {
		return fmt.Errorf("invalid processedAt format (use YYYY-MM-DD): %w", err)
	}
	return nil
}

type RepayLoanRequest struct {
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
}

func (r *RepayLoanRequest) Validate() error {
	currency, err := loan.ParseCurrency(r.CurrencyCode)
	if err != nil {
		return err
	}
	amount, err := ParseMoney(r.Amount, currency)
	if err != nil {
		return fmt.Errorf("invalid payment amount: %w", err)
	}
	if amount < 1 {
		return fmt.Errorf("payment amount must be at least one minor unit")
	}
	return nil
}

type LoanResponse struct {
	ID                string                  `json:"id"`
	BorrowerID        string                  `json:"borrowerId"`
	Amount            string                  `json:"amount"`
	OutstandingAmount string                  `json:"outstandingAmount"`
	CurrencyCode      string                  `json:"currencyCode"`
	Terms             int                     `json:"terms"`
	Status            string                  `json:"status"`
	ProcessedAt       string                  `json:"processedAt"`
	CreatedAt         time.Time               `json:"createdAt"`
	UpdatedAt         time.Time               `json:"updatedAt"`
	Schedule          []ScheduleEntryResponse `json:"schedule,omitempty"`
}

type ScheduleEntryResponse struct {
	ID                string `json:"id"`
	Sequence          int    `json:"sequence"`
	DueDate           string `json:"dueDate"`
	Amount            string `json:"amount"`
	OutstandingAmount string `json:"outstandingAmount"`
	Status            string `json:"status"`
}

type OutstandingResponse struct {
	LoanID            string `json:"loanId"`
	OutstandingAmount string `json:"outstandingAmount"`
	CurrencyCode      string `json:"currencyCode"`
}

type ReceiptResponse struct {
	ID           string    `json:"id"`
	Reference    string    `json:"reference"`
	Amount       string    `json:"amount"`
	CurrencyCode string    `json:"currencyCode"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type TokenRequest struct {
	Username string `json:"username"`
}

func NewLoanResponse(domainLoan *loan.Loan, includeSchedule bool) LoanResponse {
	currency := domainLoan.CurrencyCode

	resp := LoanResponse{
		ID:                strconv.FormatInt(domainLoan.ID, 10),
		BorrowerID:        strconv.FormatInt(domainLoan.BorrowerID, 10),
		Amount:            FormatMoney(domainLoan.Amount, currency),
		OutstandingAmount: FormatMoney(domainLoan.OutstandingAmount, currency),
		CurrencyCode:      string(currency),
		Terms:             domainLoan.Terms,
		Status:            string(domainLoan.Status),
		ProcessedAt:       domainLoan.ProcessedAt.Format(time.RFC3339[:10]),
		CreatedAt:         domainLoan.CreatedAt,
		UpdatedAt:         domainLoan.UpdatedAt,
	}

	if includeSchedule && domainLoan.Schedule != nil {
		resp.Schedule = NewScheduleResponse(domainLoan.Schedule)
	}

	return resp
}

func NewScheduleResponse(schedule []loan.ScheduledRepayment) []ScheduleEntryResponse {
	entries := make([]ScheduleEntryResponse, len(schedule))
	for i := range schedule {
		entries[i] = NewScheduleEntryResponse(&schedule[i], i+1)
	}
	return entries
}

func NewScheduleEntryResponse(entry *loan.ScheduledRepayment, sequence int) ScheduleEntryResponse {
	return ScheduleEntryResponse{
		ID:                strconv.FormatInt(entry.ID, 10),
		Sequence:          sequence,
		DueDate:           entry.DueDate.Format(time.RFC3339[:10]),
		Amount:            FormatMoney(entry.Amount, entry.CurrencyCode),
		OutstandingAmount: FormatMoney(entry.OutstandingAmount, entry.CurrencyCode),
		Status:            string(entry.Status),
	}
}

func NewReceiptResponse(receipt *loan.ReceivedRepayment) ReceiptResponse {
	return ReceiptResponse{
		ID:           strconv.FormatInt(receipt.ID, 10),
		Reference:    receipt.Reference,
		Amount:       FormatMoney(receipt.Amount, receipt.CurrencyCode),
		CurrencyCode: string(receipt.CurrencyCode),
		ReceivedAt:   receipt.ReceivedAt,
	}
}
