package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lending-engine/internal/domain/loan"
	"lending-engine/internal/infrastructure/monitoring"
	"lending-engine/internal/pkg/apperrors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pashagolub/pgxmock/v4"
)

type DBPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Close()
}

type LoanRepository struct {
	db     DBPool
	logger *slog.Logger
}

var _ DBPool = (*pgxpool.Pool)(nil)

var _ DBPool = (pgxmock.PgxPoolIface)(nil)

var _ loan.Repository = (*LoanRepository)(nil)

var errMsgFormat = "%w: %w"

const loanColumns = `id, borrower_id, amount, outstanding_amount, currency_code, terms, status, processed_at, created_at, updated_at`

const scheduleColumns = `id, loan_id, amount, outstanding_amount, currency_code, due_date, status, created_at, updated_at`

func NewLoanRepository(db DBPool, logger *slog.Logger) *LoanRepository {
	return &LoanRepository{db: db, logger: logger.With("component", "LoanRepository")}
}

func (r *LoanRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to begin transaction", "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return tx, nil
}

func (r *LoanRepository) CommitTx(ctx context.Context, tx pgx.Tx) error {
	err := tx.Commit(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to commit transaction", "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return nil
}

func (r *LoanRepository) RollbackTx(ctx context.Context, tx pgx.Tx) error {
	err := tx.Rollback(ctx)

	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		r.logger.ErrorContext(ctx, "Failed to rollback transaction", "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return nil
}

// CreateLoan persists the loan row and its full installment schedule in one
// transaction. Either everything lands or nothing does.
func (r *LoanRepository) CreateLoan(ctx context.Context, newLoan *loan.Loan, schedule []loan.ScheduledRepayment) (*loan.Loan, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer r.RollbackTx(ctx, tx)

	loanSQL := `
        INSERT INTO loans (borrower_id, amount, outstanding_amount, currency_code, terms, status, processed_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
        RETURNING ` + loanColumns

	var createdLoan loan.Loan
	err = tx.QueryRow(ctx, loanSQL,
		newLoan.BorrowerID, newLoan.Amount, newLoan.OutstandingAmount,
		newLoan.CurrencyCode, newLoan.Terms, newLoan.Status, newLoan.ProcessedAt,
	).Scan(
		&createdLoan.ID, &createdLoan.BorrowerID, &createdLoan.Amount, &createdLoan.OutstandingAmount,
		&createdLoan.CurrencyCode, &createdLoan.Terms, &createdLoan.Status, &createdLoan.ProcessedAt,
		&createdLoan.CreatedAt, &createdLoan.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to insert loan", "error", err)
		return nil, fmt.Errorf("%w: failed to insert loan: %w", apperrors.ErrDatabase, err)
	}
	r.logger.InfoContext(ctx, "Loan created in DB", "loan_id", createdLoan.ID)

	scheduleSQL := `
        INSERT INTO scheduled_repayments (loan_id, amount, outstanding_amount, currency_code, due_date, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`

	batch := &pgx.Batch{}
	for _, entry := range schedule {
		batch.Queue(scheduleSQL, createdLoan.ID, entry.Amount, entry.OutstandingAmount, entry.CurrencyCode, entry.DueDate, entry.Status)
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < len(schedule); i++ {
		if _, err = results.Exec(); err != nil {
			results.Close()
			r.logger.ErrorContext(ctx, "Failed executing schedule batch insert", "error", err, "entry_index", i, "loan_id", createdLoan.ID)
			return nil, fmt.Errorf("%w: failed inserting installment %d: %w", apperrors.ErrDatabase, i+1, err)
		}
	}
	if err = results.Close(); err != nil {
		r.logger.ErrorContext(ctx, "Failed closing schedule batch results", "error", err, "loan_id", createdLoan.ID)
		return nil, fmt.Errorf("%w: closing batch results failed: %w", apperrors.ErrDatabase, err)
	}
	r.logger.InfoContext(ctx, "Loan schedule created in DB", "loan_id", createdLoan.ID, "num_entries", len(schedule))

	if err = r.CommitTx(ctx, tx); err != nil {
		return nil, err
	}

	createdSchedule, err := r.GetScheduleByLoanID(ctx, createdLoan.ID)
	if err != nil {
		return nil, err
	}
	createdLoan.Schedule = createdSchedule

	return &createdLoan, nil
}

func (r *LoanRepository) GetLoanByID(ctx context.Context, loanID int64) (*loan.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1`
	status := "success"
	startTime := time.Now()

	var l loan.Loan
	err := r.db.QueryRow(ctx, query, loanID).Scan(
		&l.ID, &l.BorrowerID, &l.Amount, &l.OutstandingAmount,
		&l.CurrencyCode, &l.Terms, &l.Status, &l.ProcessedAt,
		&l.CreatedAt, &l.UpdatedAt,
	)

	if err != nil {
		status = "error"
	}
	monitoring.RecordDBQuery("GetLoanByID", status, time.Since(startTime))

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.WarnContext(ctx, "Loan not found", "loan_id", loanID)
			return nil, apperrors.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Failed to get loan by ID", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return &l, nil
}

func (r *LoanRepository) GetLoanByIDForUpdate(ctx context.Context, tx pgx.Tx, loanID int64) (*loan.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1 FOR UPDATE`

	var l loan.Loan
	err := tx.QueryRow(ctx, query, loanID).Scan(
		&l.ID, &l.BorrowerID, &l.Amount, &l.OutstandingAmount,
		&l.CurrencyCode, &l.Terms, &l.Status, &l.ProcessedAt,
		&l.CreatedAt, &l.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.WarnContext(ctx, "Loan not found for update", "loan_id", loanID)
			return nil, apperrors.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Failed to lock loan row", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return &l, nil
}

func (r *LoanRepository) GetScheduleByLoanID(ctx context.Context, loanID int64) ([]loan.ScheduledRepayment, error) {
	query := `
        SELECT ` + scheduleColumns + `
        FROM scheduled_repayments
        WHERE loan_id = $1
        ORDER BY due_date ASC, id ASC`

	rows, err := r.db.Query(ctx, query, loanID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query loan schedule", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	return r.scanScheduleRows(ctx, rows, loanID)
}

// GetOpenSchedulesForUpdate fetches and locks every installment that still
// has something outstanding, in allocation order: ascending due date, ties
// broken by ascending id (insertion order).
func (r *LoanRepository) GetOpenSchedulesForUpdate(ctx context.Context, tx pgx.Tx, loanID int64) ([]loan.ScheduledRepayment, error) {
	query := `
        SELECT ` + scheduleColumns + `
        FROM scheduled_repayments
        WHERE loan_id = $1 AND status IN ('DUE', 'PARTIAL')
        ORDER BY due_date ASC, id ASC
        FOR UPDATE`

	rows, err := tx.Query(ctx, query, loanID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query open installments", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	return r.scanScheduleRows(ctx, rows, loanID)
}

func (r *LoanRepository) scanScheduleRows(ctx context.Context, rows pgx.Rows, loanID int64) ([]loan.ScheduledRepayment, error) {
	schedule := make([]loan.ScheduledRepayment, 0)
	for rows.Next() {
		var entry loan.ScheduledRepayment
		err := rows.Scan(
			&entry.ID, &entry.LoanID, &entry.Amount, &entry.OutstandingAmount,
			&entry.CurrencyCode, &entry.DueDate, &entry.Status,
			&entry.CreatedAt, &entry.UpdatedAt,
		)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to scan installment row", "loan_id", loanID, "error", err)
			return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
		}
		schedule = append(schedule, entry)
	}

	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating installment rows", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}

	return schedule, nil
}

func (r *LoanRepository) InsertReceivedRepaymentInTx(ctx context.Context, tx pgx.Tx, receipt *loan.ReceivedRepayment) error {
	sql := `
        INSERT INTO received_repayments (loan_id, reference, amount, currency_code, received_at, created_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
        RETURNING id, created_at`

	err := tx.QueryRow(ctx, sql,
		receipt.LoanID, receipt.Reference, receipt.Amount, receipt.CurrencyCode, receipt.ReceivedAt,
	).Scan(&receipt.ID, &receipt.CreatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to insert received repayment", "loan_id", receipt.LoanID, "error", err)
		return fmt.Errorf("%w: failed to insert received repayment: %w", apperrors.ErrDatabase, err)
	}
	return nil
}

func (r *LoanRepository) UpdateScheduleEntryInTx(ctx context.Context, tx pgx.Tx, entry *loan.ScheduledRepayment) error {
	sql := `
        UPDATE scheduled_repayments
        SET outstanding_amount = $1, status = $2, updated_at = NOW()
        WHERE id = $3 AND loan_id = $4`

	cmdTag, err := tx.Exec(ctx, sql, entry.OutstandingAmount, entry.Status, entry.ID, entry.LoanID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to update installment", "entry_id", entry.ID, "loan_id", entry.LoanID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	if cmdTag.RowsAffected() != 1 {
		r.logger.ErrorContext(ctx, "Installment update affected zero rows", "entry_id", entry.ID, "loan_id", entry.LoanID)
		return fmt.Errorf("%w: installment update affected zero rows", apperrors.ErrDatabase)
	}
	return nil
}

func (r *LoanRepository) UpdateLoanInTx(ctx context.Context, tx pgx.Tx, l *loan.Loan) error {
	sql := `UPDATE loans SET outstanding_amount = $1, status = $2, updated_at = NOW() WHERE id = $3`
	cmdTag, err := tx.Exec(ctx, sql, l.OutstandingAmount, l.Status, l.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to update loan", "loan_id", l.ID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	if cmdTag.RowsAffected() != 1 {
		r.logger.ErrorContext(ctx, "Loan update affected zero rows", "loan_id", l.ID)
		return fmt.Errorf("%w: loan update affected zero rows", apperrors.ErrDatabase)
	}
	r.logger.InfoContext(ctx, "Loan updated in DB", "loan_id", l.ID, "outstanding", l.OutstandingAmount, "status", l.Status)
	return nil
}

func (r *LoanRepository) GetTotalOutstandingAmount(ctx context.Context, loanID int64) (loan.Money, error) {
	var totalOutstanding loan.Money

	query := `
        SELECT COALESCE(SUM(outstanding_amount), 0)
        FROM scheduled_repayments
        WHERE loan_id = $1 AND status IN ('DUE', 'PARTIAL')`

	err := r.db.QueryRow(ctx, query, loanID).Scan(&totalOutstanding)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		r.logger.ErrorContext(ctx, "Failed to calculate total outstanding amount", "loan_id", loanID, "error", err)
		return 0, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}

	return totalOutstanding, nil
}

func (r *LoanRepository) ListReceivedRepayments(ctx context.Context, loanID int64) ([]loan.ReceivedRepayment, error) {
	query := `
        SELECT id, loan_id, reference, amount, currency_code, received_at, created_at
        FROM received_repayments
        WHERE loan_id = $1
        ORDER BY received_at ASC, id ASC`

	rows, err := r.db.Query(ctx, query, loanID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query received repayments", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	receipts := make([]loan.ReceivedRepayment, 0)
	for rows.Next() {
		var receipt loan.ReceivedRepayment
		err := rows.Scan(
			&receipt.ID, &receipt.LoanID, &receipt.Reference, &receipt.Amount,
			&receipt.CurrencyCode, &receipt.ReceivedAt, &receipt.CreatedAt,
		)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to scan received repayment row", "loan_id", loanID, "error", err)
			return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
		}
		receipts = append(receipts, receipt)
	}

	if err = rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating received repayment rows", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}

	return receipts, nil
}

func (r *LoanRepository) GetOpenLoanIDs(ctx context.Context) ([]int64, error) {
	logCtx := r.logger.With(slog.String("operation", "GetOpenLoanIDs"))

	query := `SELECT id FROM loans WHERE status = $1 ORDER BY id`

	rows, err := r.db.Query(ctx, query, loan.StatusDue)
	if err != nil {
		logCtx.ErrorContext(ctx, "Failed to query open loan IDs", slog.Any("error", err))
		return nil, fmt.Errorf("%w: failed to query open loans: %w", apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	loanIDs := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			logCtx.ErrorContext(ctx, "Failed to scan open loan ID row", slog.Any("error", err))
			return nil, fmt.Errorf("%w: failed scanning open loan ID: %w", apperrors.ErrDatabase, err)
		}
		loanIDs = append(loanIDs, id)
	}

	if err = rows.Err(); err != nil {
		logCtx.ErrorContext(ctx, "Error iterating open loan ID rows", slog.Any("error", err))
		return nil, fmt.Errorf("%w: error iterating open loan IDs: %w", apperrors.ErrDatabase, err)
	}

	logCtx.DebugContext(ctx, "Finished getting open loan IDs", slog.Int("count", len(loanIDs)))
	return loanIDs, nil
}

func translateDBError(err error, contextLogger *slog.Logger) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			contextLogger.Warn("Database unique constraint violation", "detail", pgErr.Detail, "constraint", pgErr.ConstraintName)
			return fmt.Errorf("%w: %s", apperrors.ErrAlreadyExists, pgErr.ConstraintName)
		}

		contextLogger.Error("PostgreSQL specific error", "code", pgErr.Code, "message", pgErr.Message, "detail", pgErr.Detail)
		return fmt.Errorf("%w: db error code %s", apperrors.ErrDatabase, pgErr.Code)
	}

	contextLogger.Error("Generic database error", "error", err)
	return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
}
