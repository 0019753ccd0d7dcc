package event

import (
	"context"
	"time"
)

type LoanCreatedEvent struct {
	LoanID       int64     `json:"loanId"`
	BorrowerID   int64     `json:"borrowerId"`
	Amount       int64     `json:"amount"`
	CurrencyCode string    `json:"currencyCode"`
	Terms        int       `json:"terms"`
	Timestamp    time.Time `json:"timestamp"`
}

type RepaymentReceivedEvent struct {
	LoanID       int64     `json:"loanId"`
	Reference    string    `json:"reference"`
	Amount       int64     `json:"amount"`
	Applied      int64     `json:"applied"`
	CurrencyCode string    `json:"currencyCode"`
	Timestamp    time.Time `json:"timestamp"`
}

type LoanRepaidEvent struct {
	LoanID    int64     `json:"loanId"`
	Timestamp time.Time `json:"timestamp"`
}

type BorrowerCreatedEvent struct {
	BorrowerID int64     `json:"borrowerId"`
	Name       string    `json:"name"`
	Timestamp  time.Time `json:"timestamp"`
}

type EventPublisher interface {
	PublishLoanCreated(ctx context.Context, event LoanCreatedEvent) error
	PublishRepaymentReceived(ctx context.Context, event RepaymentReceivedEvent) error
	PublishLoanRepaid(ctx context.Context, event LoanRepaidEvent) error
	PublishBorrowerCreated(ctx context.Context, event BorrowerCreatedEvent) error
}
