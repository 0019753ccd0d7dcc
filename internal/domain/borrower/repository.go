package borrower

import "context"

type BorrowerRepository interface {
	Save(ctx context.Context, b *Borrower) error

	FindByID(ctx context.Context, borrowerID int64) (*Borrower, error)

	SetActiveStatus(ctx context.Context, borrowerID int64, active bool) error
}
