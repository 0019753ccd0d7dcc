package borrower

import "time"

type Borrower struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewBorrower(name, email string) *Borrower {
	now := time.Now()
	return &Borrower{
		Name:      name,
		Email:     email,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (b *Borrower) Deactivate() {
	if b.Active {
		b.Active = false
		b.UpdatedAt = time.Now()
	}
}

func (b *Borrower) Reactivate() {
	if !b.Active {
		b.Active = true
		b.UpdatedAt = time.Now()
	}
}
