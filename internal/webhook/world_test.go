package webhook

import (
	"context"
	"strings"
	"sync"
	"time"

	"billingengine/internal/external"
	"billingengine/internal/types"
)

// world is an in-memory billing store backing the real resolver and ledger
// in processor tests.
type world struct {
	mu         sync.Mutex
	identities map[string]*types.Identity
	balances   map[string]*types.CreditBalance
	records    map[string]*types.SubscriptionRecord
	lastEvent  map[string]time.Time
	renewErr   error
	renewals   int
}

func newWorld() *world {
	return &world{
		identities: make(map[string]*types.Identity),
		balances:   make(map[string]*types.CreditBalance),
		records:    make(map[string]*types.SubscriptionRecord),
		lastEvent:  make(map[string]time.Time),
	}
}

func (w *world) addIdentity(id, email string, plan types.PlanType, customerID string, total, used int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ident := &types.Identity{ID: id, Email: email, PlanType: plan}
	rec := &types.SubscriptionRecord{IdentityID: id, Status: types.SubStatusActive}
	if customerID != "" {
		ident.ProcessorCustomerID = &customerID
		rec.ProcessorCustomerID = &customerID
	}
	w.identities[id] = ident
	w.records[id] = rec
	w.balances[id] = &types.CreditBalance{
		IdentityID:       id,
		PlanCredits:      total,
		CreditsUsed:      used,
		CreditsAvailable: total - used,
	}
}

func (w *world) balance(id string) types.CreditBalance {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.balances[id]
}

func (w *world) record(id string) types.SubscriptionRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.records[id]
}

func (w *world) ident(id string) types.Identity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.identities[id]
}

func (w *world) findByEmail(email string) *types.Identity {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, i := range w.identities {
		if strings.EqualFold(i.Email, email) {
			return i
		}
	}
	return nil
}

func notFoundIdentity() error {
	return types.NewAppError(types.ErrCodeNotFoundIdentity, "identity not found", nil)
}

// --- identity.Store ---

func (w *world) GetByID(_ context.Context, id string) (*types.Identity, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i, ok := w.identities[id]; ok {
		cp := *i
		return &cp, nil
	}
	return nil, notFoundIdentity()
}

func (w *world) GetByProcessorCustomerID(_ context.Context, customerID string) (*types.Identity, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, i := range w.identities {
		if i.ProcessorCustomerID != nil && *i.ProcessorCustomerID == customerID {
			cp := *i
			return &cp, nil
		}
	}
	return nil, notFoundIdentity()
}

func (w *world) GetByEmail(_ context.Context, email string) (*types.Identity, error) {
	if i := w.findByEmail(email); i != nil {
		cp := *i
		return &cp, nil
	}
	return nil, notFoundIdentity()
}

func (w *world) SetProcessorCustomerID(_ context.Context, id, customerID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	i := w.identities[id]
	if i.ProcessorCustomerID != nil && *i.ProcessorCustomerID != customerID {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "linked elsewhere", nil)
	}
	i.ProcessorCustomerID = &customerID
	return nil
}

func (w *world) Provision(_ context.Context, in types.NewIdentity) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.identities[in.ID] = &types.Identity{
		ID:                  in.ID,
		Email:               in.Email,
		PlanType:            types.PlanFree,
		ProcessorCustomerID: in.ProcessorCustomerID,
		CredentialHash:      in.CredentialHash,
	}
	w.records[in.ID] = &types.SubscriptionRecord{IdentityID: in.ID, ProcessorCustomerID: in.ProcessorCustomerID, Status: types.SubStatusActive}
	w.balances[in.ID] = &types.CreditBalance{
		IdentityID:       in.ID,
		PlanCredits:      in.FreeCredits,
		CreditsAvailable: in.FreeCredits,
		CreditsResetAt:   in.CreditsResetAt,
	}
	return true, nil
}

func (w *world) ClaimCredential(context.Context, string, string) error { return nil }

// --- identity.SubscriptionLookup ---

func (w *world) FindIdentityIDByProcessorCustomerID(_ context.Context, customerID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, r := range w.records {
		if r.ProcessorCustomerID != nil && *r.ProcessorCustomerID == customerID {
			return id, nil
		}
	}
	return "", notFoundIdentity()
}

// --- billing.CreditStore ---

func (w *world) GetBalance(_ context.Context, id string) (*types.CreditBalance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.balances[id]
	if !ok {
		return nil, notFoundIdentity()
	}
	cp := *b
	return &cp, nil
}

func (w *world) Consume(_ context.Context, id string, amount int, _ string) (*types.ConsumeResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b := w.balances[id]
	if b.CreditsAvailable < amount {
		return &types.ConsumeResult{Remaining: b.CreditsAvailable, Used: b.CreditsUsed, Total: b.PlanCredits}, nil
	}
	b.CreditsAvailable -= amount
	b.CreditsUsed += amount
	return &types.ConsumeResult{Success: true, Remaining: b.CreditsAvailable, Used: b.CreditsUsed, Total: b.PlanCredits}, nil
}

func (w *world) Renew(_ context.Context, id string, plan types.PlanType, credits int, unlimited bool, resetAt time.Time) (*types.CreditBalance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.renewErr != nil {
		return nil, w.renewErr
	}
	w.renewals++
	w.identities[id].PlanType = plan
	b := &types.CreditBalance{
		IdentityID:       id,
		PlanCredits:      credits,
		CreditsAvailable: credits,
		CreditsResetAt:   resetAt,
		Unlimited:        unlimited,
	}
	w.balances[id] = b
	cp := *b
	return &cp, nil
}

func (w *world) ListExpired(context.Context, time.Time, string, int) ([]types.ExpiredBalance, error) {
	return nil, nil
}

func (w *world) ListUsage(context.Context, string, int) ([]types.UsagePeriod, error) {
	return nil, nil
}

// --- SubscriptionSyncer ---

func (w *world) Record(_ context.Context, id string) (*types.SubscriptionRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.records[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	cp := *r
	return &cp, nil
}

func (w *world) Sync(_ context.Context, id string, s types.SubscriptionSync, eventAt *time.Time) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if eventAt != nil {
		if last, ok := w.lastEvent[id]; ok && last.After(*eventAt) {
			return false, nil
		}
		w.lastEvent[id] = *eventAt
	}
	r, ok := w.records[id]
	if !ok {
		r = &types.SubscriptionRecord{IdentityID: id, Status: types.SubStatusActive}
		w.records[id] = r
	}
	if s.ProcessorCustomerID != nil {
		r.ProcessorCustomerID = s.ProcessorCustomerID
	}
	if s.ProcessorSubscriptionID != nil {
		r.ProcessorSubscriptionID = s.ProcessorSubscriptionID
	}
	if s.PriceID != nil {
		r.PriceID = s.PriceID
	}
	if s.Status != "" {
		r.Status = s.Status
	}
	if s.CurrentPeriodEnd != nil {
		r.CurrentPeriodEnd = s.CurrentPeriodEnd
	}
	return true, nil
}

// --- processor fakes ---

type fakeCustomers map[string]*external.Customer

func (f fakeCustomers) GetCustomer(_ context.Context, id string) (*external.Customer, error) {
	if c, ok := f[id]; ok {
		return c, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundCustomer, "No such customer", nil)
}

type fakeSubscriptions struct {
	subs map[string]*external.Subscription
	err  error
}

func (f *fakeSubscriptions) GetSubscription(_ context.Context, id string) (*external.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.subs[id]; ok {
		return s, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "No such subscription", nil)
}

// memLedger mirrors WebhookEventRepository.Claim semantics without leases
// expiring.
type memLedger struct {
	mu        sync.Mutex
	status    map[string]types.WebhookEventStatus
	forceErr  error
	released  []string
	completed []string

	// completeErrs are returned, in order, by the next Complete calls.
	completeErrs  []error
	completeCalls int
}

func newMemLedger() *memLedger {
	return &memLedger{status: make(map[string]types.WebhookEventStatus)}
}

func (l *memLedger) Claim(_ context.Context, id, _ string, _ time.Time, _ time.Duration) (types.ClaimOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.forceErr != nil {
		return 0, l.forceErr
	}
	switch l.status[id] {
	case types.WebhookEventCompleted:
		return types.ClaimDuplicate, nil
	case types.WebhookEventProcessing:
		return types.ClaimInFlight, nil
	}
	l.status[id] = types.WebhookEventProcessing
	return types.ClaimAcquired, nil
}

func (l *memLedger) Complete(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completeCalls++
	if len(l.completeErrs) > 0 {
		err := l.completeErrs[0]
		l.completeErrs = l.completeErrs[1:]
		return err
	}
	l.status[id] = types.WebhookEventCompleted
	l.completed = append(l.completed, id)
	return nil
}

func (l *memLedger) Release(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.status, id)
	l.released = append(l.released, id)
	return nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []types.CredentialMessage
}

func (r *recordingSender) SendCredential(_ context.Context, msg types.CredentialMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

type fixedGenerator struct{}

func (fixedGenerator) Generate() (string, string, error) {
	return "AAAAAAAA-BBBBBBBB-CCCCCCCC-DDDDDDDD", "$2a$10$hash", nil
}
