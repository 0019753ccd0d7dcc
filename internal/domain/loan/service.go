package loan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lending-engine/internal/domain/borrower"
	"lending-engine/internal/event"
	"lending-engine/internal/infrastructure/monitoring"
	"lending-engine/internal/pkg/apperrors"
)

type LoanService interface {
	CreateLoan(ctx context.Context, borrowerID int64, principal Money, currency Currency, terms int, processedAt time.Time) (*Loan, error)

	RepayLoan(ctx context.Context, loanID int64, amount Money, currency Currency, receivedAt time.Time) (*Loan, error)

	GetLoan(ctx context.Context, loanID int64) (*Loan, error)

	GetSchedule(ctx context.Context, loanID int64) ([]ScheduledRepayment, error)

	GetOutstanding(ctx context.Context, loanID int64) (Money, error)

	ListReceipts(ctx context.Context, loanID int64) ([]ReceivedRepayment, error)
}

type loanServiceImpl struct {
	repo            Repository
	borrowerService borrower.BorrowerService
	publisher       event.EventPublisher
	logger          *slog.Logger
}

func NewLoanService(r Repository, bs borrower.BorrowerService, pub event.EventPublisher, logger *slog.Logger) LoanService {
	return &loanServiceImpl{repo: r, borrowerService: bs, publisher: pub, logger: logger.With("component", "LoanService")}
}

func (s *loanServiceImpl) CreateLoan(ctx context.Context, borrowerID int64, principal Money, currency Currency, terms int, processedAt time.Time) (*Loan, error) {
	s.logger.InfoContext(ctx, "Creating new loan", "borrowerID", borrowerID, "principal", principal, "terms", terms)

	b, err := s.borrowerService.GetBorrower(ctx, borrowerID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.logger.WarnContext(ctx, "Borrower not found", "borrowerID", borrowerID)
			return nil, fmt.Errorf("%w: borrower %d not found", apperrors.ErrValidation, borrowerID)
		}
		s.logger.ErrorContext(ctx, "Failed to verify borrower", "borrowerID", borrowerID, "error", err)
		return nil, fmt.Errorf("failed to verify borrower status: %w", err)
	}
	if !b.Active {
		s.logger.WarnContext(ctx, "Attempted to create loan for inactive borrower", "borrowerID", borrowerID)
		return nil, fmt.Errorf("%w: borrower %d is not active", apperrors.ErrValidation, borrowerID)
	}

	newLoan, err := NewLoan(borrowerID, principal, currency, terms, processedAt)
	if err != nil {
		return nil, err
	}
	schedule := newLoan.GenerateSchedule()

	createdLoan, err := s.repo.CreateLoan(ctx, newLoan, schedule)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to save loan and schedule", "error", err)
		return nil, fmt.Errorf("failed to save loan and schedule: %w", err)
	}
	monitoring.RecordLoanOriginated(string(currency))
	s.logger.InfoContext(ctx, "Loan created successfully", "loanID", createdLoan.ID, "borrowerID", borrowerID)

	s.publishLoanCreated(ctx, createdLoan)
	return createdLoan, nil
}

func (s *loanServiceImpl) RepayLoan(ctx context.Context, loanID int64, amount Money, currency Currency, receivedAt time.Time) (l *Loan, err error) {
	s.logger.InfoContext(ctx, "Processing repayment", "loanID", loanID, "amount", amount)

	if amount < 1 {
		return nil, fmt.Errorf("%w: repayment amount must be at least 1 minor unit", apperrors.ErrInvalidArgument)
	}
	if _, err := ParseCurrency(string(currency)); err != nil {
		return nil, err
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: could not begin transaction: %v", apperrors.ErrInternalServer, err)
	}

	defer func() {
		if err != nil {
			monitoring.RecordRepayment("failure")
			_ = s.repo.RollbackTx(ctx, tx)
		}
	}()

	// Locks the loan row for the duration of the transaction so concurrent
	// repayments against the same loan are serialized.
	l, err = s.repo.GetLoanByIDForUpdate(ctx, tx, loanID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: loan with ID %d not found", apperrors.ErrNotFound, loanID)
		}
		return nil, fmt.Errorf("%w: could not load loan %d: %v", apperrors.ErrInternalServer, loanID, err)
	}
	if currency != l.CurrencyCode {
		err = fmt.Errorf("%w: repayment currency %s does not match loan currency %s", apperrors.ErrValidation, currency, l.CurrencyCode)
		return nil, err
	}

	// The receipt is recorded unconditionally, even when the loan is already
	// fully repaid or the payment exceeds everything outstanding. It is the
	// audit trail of cash received, independent of allocation.
	receipt := &ReceivedRepayment{
		LoanID:       l.ID,
		Reference:    uuid.NewString(),
		Amount:       amount,
		CurrencyCode: currency,
		ReceivedAt:   receivedAt,
	}
	if err = s.repo.InsertReceivedRepaymentInTx(ctx, tx, receipt); err != nil {
		return nil, fmt.Errorf("%w: could not record receipt: %v", apperrors.ErrInternalServer, err)
	}

	open, err := s.repo.GetOpenSchedulesForUpdate(ctx, tx, l.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: could not load open installments: %v", apperrors.ErrInternalServer, err)
	}

	applied, touched := Allocate(open, amount)
	for i := 0; i < touched; i++ {
		if err = s.repo.UpdateScheduleEntryInTx(ctx, tx, &open[i]); err != nil {
			return nil, fmt.Errorf("%w: could not update installment %d: %v", apperrors.ErrInternalServer, open[i].ID, err)
		}
	}

	// Closed installments carry zero outstanding, so summing the fetched open
	// set after allocation yields the loan-level outstanding amount.
	l.OutstandingAmount = OutstandingTotal(open)
	if l.OutstandingAmount == 0 {
		l.Status = StatusRepaid
	}
	if err = s.repo.UpdateLoanInTx(ctx, tx, l); err != nil {
		return nil, fmt.Errorf("%w: could not update loan: %v", apperrors.ErrInternalServer, err)
	}

	if err = s.repo.CommitTx(ctx, tx); err != nil {
		return nil, fmt.Errorf("%w: could not commit transaction: %v", apperrors.ErrInternalServer, err)
	}

	monitoring.RecordRepayment("success")
	if surplus := amount - applied; surplus > 0 {
		s.logger.WarnContext(ctx, "Repayment exceeded total outstanding, surplus left unallocated",
			"loanID", l.ID, "surplus", surplus, "reference", receipt.Reference)
	}
	s.logger.InfoContext(ctx, "Repayment processed", "loanID", l.ID, "amount", amount, "applied", applied, "outstanding", l.OutstandingAmount)

	s.publishRepaymentReceived(ctx, l, receipt, applied)
	return l, nil
}

func (s *loanServiceImpl) GetLoan(ctx context.Context, loanID int64) (*Loan, error) {
	l, err := s.repo.GetLoanByID(ctx, loanID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.logger.WarnContext(ctx, "Loan not found", "loanID", loanID)
			return nil, fmt.Errorf("%w: loan with ID %d not found", apperrors.ErrNotFound, loanID)
		}
		return nil, fmt.Errorf("%w: failed to get loan %d: %v", apperrors.ErrInternalServer, loanID, err)
	}

	schedule, err := s.repo.GetScheduleByLoanID(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get schedule for loan %d: %v", apperrors.ErrInternalServer, loanID, err)
	}
	l.Schedule = schedule
	return l, nil
}

func (s *loanServiceImpl) GetSchedule(ctx context.Context, loanID int64) ([]ScheduledRepayment, error) {
	schedule, err := s.repo.GetScheduleByLoanID(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get schedule for loan %d: %v", apperrors.ErrInternalServer, loanID, err)
	}
	if len(schedule) == 0 {
		if _, err := s.repo.GetLoanByID(ctx, loanID); err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, fmt.Errorf("%w: loan with ID %d not found when getting schedule", apperrors.ErrNotFound, loanID)
			}
			return nil, fmt.Errorf("%w: failed to get loan %d: %v", apperrors.ErrInternalServer, loanID, err)
		}
	}
	return schedule, nil
}

func (s *loanServiceImpl) GetOutstanding(ctx context.Context, loanID int64) (Money, error) {
	if _, err := s.repo.GetLoanByID(ctx, loanID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return 0, fmt.Errorf("%w: loan with ID %d not found", apperrors.ErrNotFound, loanID)
		}
		return 0, fmt.Errorf("%w: failed to get loan %d: %v", apperrors.ErrInternalServer, loanID, err)
	}
	outstanding, err := s.repo.GetTotalOutstandingAmount(ctx, loanID)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get outstanding amount for loan %d: %v", apperrors.ErrInternalServer, loanID, err)
	}
	return outstanding, nil
}

func (s *loanServiceImpl) ListReceipts(ctx context.Context, loanID int64) ([]ReceivedRepayment, error) {
	if _, err := s.repo.GetLoanByID(ctx, loanID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: loan with ID %d not found", apperrors.ErrNotFound, loanID)
		}
		return nil, fmt.Errorf("%w: failed to get loan %d: %v", apperrors.ErrInternalServer, loanID, err)
	}
	receipts, err := s.repo.ListReceivedRepayments(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list receipts for loan %d: %v", apperrors.ErrInternalServer, loanID, err)
	}
	return receipts, nil
}

// Event publishing is best-effort after commit; a broker outage never fails
// the business operation.
func (s *loanServiceImpl) publishLoanCreated(ctx context.Context, l *Loan) {
	if s.publisher == nil {
		return
	}
	evt := event.LoanCreatedEvent{
		LoanID:       l.ID,
		BorrowerID:   l.BorrowerID,
		Amount:       l.Amount,
		CurrencyCode: string(l.CurrencyCode),
		Terms:        l.Terms,
		Timestamp:    time.Now().UTC(),
	}
	if err := s.publisher.PublishLoanCreated(ctx, evt); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish loan created event", "loanID", l.ID, "error", err)
	}
}

func (s *loanServiceImpl) publishRepaymentReceived(ctx context.Context, l *Loan, receipt *ReceivedRepayment, applied Money) {
	if s.publisher == nil {
		return
	}
	evt := event.RepaymentReceivedEvent{
		LoanID:       l.ID,
		Reference:    receipt.Reference,
		Amount:       receipt.Amount,
		Applied:      applied,
		CurrencyCode: string(receipt.CurrencyCode),
		Timestamp:    time.Now().UTC(),
	}
	if err := s.publisher.PublishRepaymentReceived(ctx, evt); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish repayment received event", "loanID", l.ID, "error", err)
	}
	if l.Status == StatusRepaid {
		repaid := event.LoanRepaidEvent{LoanID: l.ID, Timestamp: time.Now().UTC()}
		if err := s.publisher.PublishLoanRepaid(ctx, repaid); err != nil {
			s.logger.ErrorContext(ctx, "Failed to publish loan repaid event", "loanID", l.ID, "error", err)
		}
	}
}
