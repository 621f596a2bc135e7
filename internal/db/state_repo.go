package db

import (
	"context"

	"billingengine/internal/types"
)

// StateRepository reads the composed subscription state. The view and the
// manual join select the same column list and share one scan function, so
// both paths produce identical SubscriptionState values for the same rows.
type StateRepository struct {
	db DBTX
}

// NewStateRepository creates a new StateRepository.
func NewStateRepository(db DBTX) *StateRepository {
	return &StateRepository{db: db}
}

const stateColumns = `identity_id, email, plan_type, processor_customer_id, processor_subscription_id,
	price_id, status, current_period_end, cancel_at_period_end, plan_credits, credits_used,
	credits_available, credits_reset_at, unlimited, features`

// stateFromViewSQL reads the composed view.
const stateFromViewSQL = `SELECT ` + stateColumns + `
	FROM subscription_state_view
	WHERE identity_id = $1`

// stateFromBaseTablesSQL reconstructs the view from the base tables.
const stateFromBaseTablesSQL = `SELECT i.id AS identity_id,
	       i.email AS email,
	       i.plan_type AS plan_type,
	       COALESCE(i.processor_customer_id, s.processor_customer_id) AS processor_customer_id,
	       s.processor_subscription_id AS processor_subscription_id,
	       s.price_id AS price_id,
	       s.status AS status,
	       s.current_period_end AS current_period_end,
	       s.cancel_at_period_end AS cancel_at_period_end,
	       cb.plan_credits AS plan_credits,
	       cb.credits_used AS credits_used,
	       cb.credits_available AS credits_available,
	       cb.credits_reset_at AS credits_reset_at,
	       cb.unlimited AS unlimited,
	       COALESCE(pf.features, '{}'::jsonb) AS features
	FROM identities i
	JOIN subscriptions s ON s.identity_id = i.id
	JOIN credit_balances cb ON cb.identity_id = i.id
	LEFT JOIN plan_features pf ON pf.plan_type = i.plan_type
	WHERE i.id = $1`

func scanState(row interface{ Scan(dest ...any) error }) (*types.SubscriptionState, error) {
	var (
		st       types.SubscriptionState
		planType string
		status   string
	)
	if err := row.Scan(
		&st.IdentityID,
		&st.Email,
		&planType,
		&st.ProcessorCustomerID,
		&st.ProcessorSubscriptionID,
		&st.PriceID,
		&status,
		&st.CurrentPeriodEnd,
		&st.CancelAtPeriodEnd,
		&st.PlanCredits,
		&st.CreditsUsed,
		&st.CreditsAvailable,
		&st.CreditsResetAt,
		&st.Unlimited,
		&st.Features,
	); err != nil {
		return nil, err
	}
	st.PlanType = types.PlanType(planType)
	st.Status = types.SubscriptionStatus(status)
	if st.Features == nil {
		st.Features = types.FeatureFlags{}
	}
	return &st, nil
}

func (r *StateRepository) get(ctx context.Context, query, identityID string) (*types.SubscriptionState, error) {
	st, err := scanState(r.db.QueryRow(ctx, query, identityID))
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundIdentity, "subscription state not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription state", err)
	}
	return st, nil
}

// GetFromView reads the composed subscription_state_view.
func (r *StateRepository) GetFromView(ctx context.Context, identityID string) (*types.SubscriptionState, error) {
	return r.get(ctx, stateFromViewSQL, identityID)
}

// GetFromBaseTables joins identities, subscriptions, credit_balances and
// plan_features directly, bypassing the view.
func (r *StateRepository) GetFromBaseTables(ctx context.Context, identityID string) (*types.SubscriptionState, error) {
	return r.get(ctx, stateFromBaseTablesSQL, identityID)
}

// ListPlanFeatures returns every plan_features row.
func (r *StateRepository) ListPlanFeatures(ctx context.Context) ([]types.PlanFeatureRow, error) {
	rows, err := r.db.Query(ctx,
		`SELECT plan_type, monthly_credits, unlimited, features FROM plan_features ORDER BY plan_type`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query plan features", err)
	}
	defer rows.Close()

	var out []types.PlanFeatureRow
	for rows.Next() {
		var (
			pf   types.PlanFeatureRow
			plan string
		)
		if err := rows.Scan(&plan, &pf.MonthlyCredits, &pf.Unlimited, &pf.Features); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plan features", err)
		}
		pf.PlanType = types.PlanType(plan)
		out = append(out, pf)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating plan features", err)
	}
	return out, nil
}
