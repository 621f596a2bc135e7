package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	"billingengine/internal/external"
	"billingengine/internal/types"
)

type fakeStore struct {
	mu         sync.Mutex
	byID       map[string]*types.Identity
	provisions []types.NewIdentity
	// provisionConflict simulates a concurrent creation of the identity.
	provisionConflict func(in types.NewIdentity)
	claims            [][2]string
}

func newFakeStore(idents ...*types.Identity) *fakeStore {
	f := &fakeStore{byID: make(map[string]*types.Identity)}
	for _, i := range idents {
		f.byID[i.ID] = i
	}
	return f
}

func notFound() error {
	return types.NewAppError(types.ErrCodeNotFoundIdentity, "identity not found", nil)
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*types.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i, ok := f.byID[id]; ok {
		cp := *i
		return &cp, nil
	}
	return nil, notFound()
}

func (f *fakeStore) GetByProcessorCustomerID(_ context.Context, customerID string) (*types.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, i := range f.byID {
		if i.ProcessorCustomerID != nil && *i.ProcessorCustomerID == customerID {
			cp := *i
			return &cp, nil
		}
	}
	return nil, notFound()
}

func (f *fakeStore) GetByEmail(_ context.Context, email string) (*types.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, i := range f.byID {
		if strings.EqualFold(i.Email, email) {
			cp := *i
			return &cp, nil
		}
	}
	return nil, notFound()
}

func (f *fakeStore) SetProcessorCustomerID(_ context.Context, id, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.byID[id]
	if !ok {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "identity is linked to a different processor customer", nil)
	}
	if i.ProcessorCustomerID != nil && *i.ProcessorCustomerID != customerID {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "identity is linked to a different processor customer", nil)
	}
	i.ProcessorCustomerID = &customerID
	return nil
}

func (f *fakeStore) Provision(_ context.Context, in types.NewIdentity) (bool, error) {
	if f.provisionConflict != nil {
		f.provisionConflict(in)
		return false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisions = append(f.provisions, in)
	f.byID[in.ID] = &types.Identity{
		ID:                  in.ID,
		Email:               in.Email,
		PlanType:            types.PlanFree,
		ProcessorCustomerID: in.ProcessorCustomerID,
		CredentialHash:      in.CredentialHash,
		CredentialExpiresAt: in.CredentialExpiresAt,
	}
	return true, nil
}

func (f *fakeStore) ClaimCredential(_ context.Context, fromID, toID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.byID[fromID]
	if !ok || i.CredentialHash == nil {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "credential already claimed", nil)
	}
	f.claims = append(f.claims, [2]string{fromID, toID})
	delete(f.byID, fromID)
	i.ID = toID
	i.CredentialHash = nil
	i.CredentialExpiresAt = nil
	f.byID[toID] = i
	return nil
}

type fakeSubscriptions map[string]string

func (f fakeSubscriptions) FindIdentityIDByProcessorCustomerID(_ context.Context, customerID string) (string, error) {
	if id, ok := f[customerID]; ok {
		return id, nil
	}
	return "", notFound()
}

type fakeCustomers struct {
	customers map[string]*external.Customer
	err       error
	calls     int
}

func (f *fakeCustomers) GetCustomer(_ context.Context, customerID string) (*external.Customer, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if c, ok := f.customers[customerID]; ok {
		return c, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundCustomer, "No such customer", nil)
}

type fakeGenerator struct{}

func (fakeGenerator) Generate() (string, string, error) {
	return "AAAAAAAA-BBBBBBBB-CCCCCCCC-DDDDDDDD", "$2a$hash", nil
}

type recordingSender struct {
	sent []types.CredentialMessage
	err  error
}

func (r *recordingSender) SendCredential(_ context.Context, msg types.CredentialMessage) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

type stubVerifier struct{ want string }

func (s stubVerifier) Verify(_, plain string) error {
	if plain != s.want {
		return types.NewAppError(types.ErrCodeAuthInvalidCreds, "invalid credential", nil)
	}
	return nil
}

var errBoom = errors.New("boom")

func ptr[T any](v T) *T { return &v }
