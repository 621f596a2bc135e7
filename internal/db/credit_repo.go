package db

import (
	"context"
	"time"

	"billingengine/internal/types"
)

// CreditRepository is the ledger store. Every mutation is a single call to a
// stored procedure so the availability check and the write happen atomically
// in PostgreSQL.
type CreditRepository struct {
	db DBTX
}

// NewCreditRepository creates a new CreditRepository.
func NewCreditRepository(db DBTX) *CreditRepository {
	return &CreditRepository{db: db}
}

// GetBalance returns the credit row of an identity.
func (r *CreditRepository) GetBalance(ctx context.Context, identityID string) (*types.CreditBalance, error) {
	var b types.CreditBalance
	err := r.db.QueryRow(ctx,
		`SELECT identity_id, plan_credits, credits_used, credits_available, credits_reset_at, unlimited
		 FROM credit_balances WHERE identity_id = $1`,
		identityID,
	).Scan(&b.IdentityID, &b.PlanCredits, &b.CreditsUsed, &b.CreditsAvailable, &b.CreditsResetAt, &b.Unlimited)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundIdentity, "credit balance not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load credit balance", err)
	}
	return &b, nil
}

// Consume calls consume_credits. A result with Success=false means the
// balance was insufficient at mutation time; nothing was written.
func (r *CreditRepository) Consume(ctx context.Context, identityID string, amount int, period string) (*types.ConsumeResult, error) {
	var res types.ConsumeResult
	err := r.db.QueryRow(ctx,
		`SELECT success, remaining, used, total, is_unlimited
		 FROM consume_credits($1, $2, $3)`,
		identityID,
		amount,
		period,
	).Scan(&res.Success, &res.Remaining, &res.Used, &res.Total, &res.Unlimited)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundIdentity, "credit balance not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to consume credits", err)
	}
	return &res, nil
}

// Renew calls renew_credits, which sets the identity's plan and overwrites
// the balance with the full allotment.
func (r *CreditRepository) Renew(ctx context.Context, identityID string, plan types.PlanType, credits int, unlimited bool, resetAt time.Time) (*types.CreditBalance, error) {
	var b types.CreditBalance
	err := r.db.QueryRow(ctx,
		`SELECT identity_id, plan_credits, credits_used, credits_available, credits_reset_at, unlimited
		 FROM renew_credits($1, $2, $3, $4, $5)`,
		identityID,
		string(plan),
		credits,
		unlimited,
		resetAt,
	).Scan(&b.IdentityID, &b.PlanCredits, &b.CreditsUsed, &b.CreditsAvailable, &b.CreditsResetAt, &b.Unlimited)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundIdentity, "identity not found for renewal", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to renew credits", err)
	}
	return &b, nil
}

// ListExpired returns balances with credits_reset_at <= now, ordered by
// identity id after the given cursor.
func (r *CreditRepository) ListExpired(ctx context.Context, now time.Time, afterID string, limit int) ([]types.ExpiredBalance, error) {
	rows, err := r.db.Query(ctx,
		`SELECT cb.identity_id, i.plan_type
		 FROM credit_balances cb
		 JOIN identities i ON i.id = cb.identity_id
		 WHERE cb.credits_reset_at <= $1
		   AND cb.identity_id > $2
		 ORDER BY cb.identity_id
		 LIMIT $3`,
		now,
		afterID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expired balances", err)
	}
	defer rows.Close()

	var out []types.ExpiredBalance
	for rows.Next() {
		var (
			eb   types.ExpiredBalance
			plan string
		)
		if err := rows.Scan(&eb.IdentityID, &plan); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan expired balance", err)
		}
		eb.PlanType = types.PlanType(plan)
		out = append(out, eb)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating expired balances", err)
	}
	return out, nil
}

// ListUsage returns the most recent monthly usage periods of an identity.
func (r *CreditRepository) ListUsage(ctx context.Context, identityID string, limit int) ([]types.UsagePeriod, error) {
	rows, err := r.db.Query(ctx,
		`SELECT period, credits_consumed, consume_calls, updated_at
		 FROM monthly_usage
		 WHERE identity_id = $1
		 ORDER BY period DESC
		 LIMIT $2`,
		identityID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query usage", err)
	}
	defer rows.Close()

	out := make([]types.UsagePeriod, 0)
	for rows.Next() {
		var u types.UsagePeriod
		if err := rows.Scan(&u.Period, &u.CreditsConsumed, &u.ConsumeCalls, &u.UpdatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating usage", err)
	}
	return out, nil
}
