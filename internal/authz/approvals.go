package authz

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGApprovalChecker resolves approval references against authz_approvals.
type PGApprovalChecker struct {
	pool *pgxpool.Pool
}

// NewPGApprovalChecker returns a checker backed by the given pool.
func NewPGApprovalChecker(pool *pgxpool.Pool) *PGApprovalChecker {
	return &PGApprovalChecker{pool: pool}
}

// Approved reports whether the reference has an approved record. A missing
// reference counts as not approved.
func (c *PGApprovalChecker) Approved(ctx context.Context, reference string) (bool, error) {
	var status string
	err := c.pool.QueryRow(ctx,
		`SELECT status FROM authz_approvals WHERE reference = $1`, reference).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("check approval", err)
	}
	return status == string(ApprovalApproved), nil
}
