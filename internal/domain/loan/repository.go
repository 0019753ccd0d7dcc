package loan

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type Repository interface {
	CreateLoan(ctx context.Context, newLoan *Loan, schedule []ScheduledRepayment) (createdLoan *Loan, err error)

	GetLoanByID(ctx context.Context, loanID int64) (*Loan, error)

	GetLoanByIDForUpdate(ctx context.Context, tx pgx.Tx, loanID int64) (*Loan, error)

	GetScheduleByLoanID(ctx context.Context, loanID int64) ([]ScheduledRepayment, error)

	GetOpenSchedulesForUpdate(ctx context.Context, tx pgx.Tx, loanID int64) ([]ScheduledRepayment, error)

	InsertReceivedRepaymentInTx(ctx context.Context, tx pgx.Tx, receipt *ReceivedRepayment) error

	UpdateScheduleEntryInTx(ctx context.Context, tx pgx.Tx, entry *ScheduledRepayment) error

	UpdateLoanInTx(ctx context.Context, tx pgx.Tx, l *Loan) error

	GetTotalOutstandingAmount(ctx context.Context, loanID int64) (Money, error)

	ListReceivedRepayments(ctx context.Context, loanID int64) ([]ReceivedRepayment, error)

	GetOpenLoanIDs(ctx context.Context) ([]int64, error)

	BeginTx(ctx context.Context) (pgx.Tx, error)

	CommitTx(ctx context.Context, tx pgx.Tx) error

	RollbackTx(ctx context.Context, tx pgx.Tx) error
}
