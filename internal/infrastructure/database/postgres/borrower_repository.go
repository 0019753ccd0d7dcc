package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"lending-engine/internal/domain/borrower"
	"lending-engine/internal/pkg/apperrors"

	"github.com/jackc/pgx/v5"
)

type BorrowerRepository struct {
	db     DBPool
	logger *slog.Logger
}

var _ borrower.BorrowerRepository = (*BorrowerRepository)(nil)

func NewBorrowerRepository(db DBPool, logger *slog.Logger) *BorrowerRepository {
	if db == nil {
		panic("DBPool cannot be nil for BorrowerRepository")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		logger.Warn("Warning: No logger provided to NewBorrowerRepository, using default stderr handler")
	}
	return &BorrowerRepository{
		db:     db,
		logger: logger.With("component", "BorrowerRepository"),
	}
}

func (r *BorrowerRepository) Save(ctx context.Context, b *borrower.Borrower) error {
	if b == nil {
		return fmt.Errorf("%w: borrower cannot be nil", apperrors.ErrInvalidArgument)
	}

	if b.ID == 0 {
		return r.createBorrower(ctx, b)
	}
	return r.updateBorrower(ctx, b)
}

func (r *BorrowerRepository) createBorrower(ctx context.Context, b *borrower.Borrower) error {
	r.logger.InfoContext(ctx, "Attempting to insert new borrower", slog.String("name", b.Name))

	query := `
        INSERT INTO borrowers (name, email, active, created_at, updated_at)
        VALUES ($1, $2, $3, NOW(), NOW())
        RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		b.Name,
		b.Email,
		b.Active,
	).Scan(
		&b.ID,
		&b.CreatedAt,
		&b.UpdatedAt,
	)

	if err != nil {
		translatedErr := translateDBError(err, r.logger)
		if errors.Is(translatedErr, apperrors.ErrAlreadyExists) {
			r.logger.WarnContext(ctx, "Failed to insert borrower due to unique constraint violation", slog.String("email", b.Email))
			return translatedErr
		}
		r.logger.ErrorContext(ctx, "Failed to insert borrower", slog.Any("error", err))
		return fmt.Errorf("%w: failed to insert borrower: %w", apperrors.ErrDatabase, err)
	}

	r.logger.InfoContext(ctx, "Borrower inserted successfully", slog.Int64("borrowerID", b.ID))
	return nil
}

func (r *BorrowerRepository) updateBorrower(ctx context.Context, b *borrower.Borrower) error {
	r.logger.InfoContext(ctx, "Attempting to update borrower", slog.Int64("borrowerID", b.ID))

	query := `
        UPDATE borrowers
        SET name = $1,
            email = $2,
            active = $3,
            updated_at = NOW()
        WHERE id = $4`

	cmdTag, err := r.db.Exec(ctx, query,
		b.Name,
		b.Email,
		b.Active,
		b.ID,
	)

	if err != nil {
		translatedErr := translateDBError(err, r.logger)
		if errors.Is(translatedErr, apperrors.ErrAlreadyExists) {
			r.logger.WarnContext(ctx, "Failed to update borrower due to unique constraint violation", slog.String("email", b.Email))
			return translatedErr
		}
		r.logger.ErrorContext(ctx, "Failed to update borrower", slog.Any("error", err))
		return fmt.Errorf("%w: failed to update borrower: %w", apperrors.ErrDatabase, err)
	}

	if cmdTag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Update affected zero rows, borrower likely not found")
		return apperrors.ErrNotFound
	}

	r.logger.InfoContext(ctx, "Borrower updated successfully")
	return nil
}

func (r *BorrowerRepository) FindByID(ctx context.Context, borrowerID int64) (*borrower.Borrower, error) {
	r.logger.InfoContext(ctx, "Attempting to find borrower by ID")

	query := `
        SELECT id, name, email, active, created_at, updated_at
        FROM borrowers
        WHERE id = $1`

	var b borrower.Borrower
	err := r.db.QueryRow(ctx, query, borrowerID).Scan(
		&b.ID,
		&b.Name,
		&b.Email,
		&b.Active,
		&b.CreatedAt,
		&b.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.WarnContext(ctx, "Borrower not found")
			return nil, apperrors.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Failed to query/scan borrower by ID", slog.Any("error", err))
		return nil, fmt.Errorf("%w: failed to get borrower by ID: %w", apperrors.ErrDatabase, err)
	}

	r.logger.InfoContext(ctx, "Borrower found successfully")
	return &b, nil
}

func (r *BorrowerRepository) SetActiveStatus(ctx context.Context, borrowerID int64, active bool) error {
	r.logger.InfoContext(ctx, "Attempting to set active status")

	query := `UPDATE borrowers SET active = $1, updated_at = NOW() WHERE id = $2`

	cmdTag, err := r.db.Exec(ctx, query, active, borrowerID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to execute update active status", slog.Any("error", err))
		return fmt.Errorf("%w: failed to update active status: %w", apperrors.ErrDatabase, err)
	}

	if cmdTag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Update active status affected zero rows, borrower likely not found")
		return apperrors.ErrNotFound
	}

	r.logger.InfoContext(ctx, "Borrower active status updated successfully")
	return nil
}
