// Package account implements the administrative operations on registered
// accounts: registration with credential normalization, edits and removal.
package account

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/patrickspencer/couponbat/internal/credential"
	"github.com/patrickspencer/couponbat/internal/store"
)

// ErrNameRequired is returned when an account is added without a name.
var ErrNameRequired = errors.New("account name is required")

// Patch holds optional account edits; nil fields are left unchanged.
type Patch struct {
	Name       *string
	Credential *string
	Active     *bool
}

// Service wraps the account store with validation.
type Service struct {
	store store.AccountStore
}

// NewService creates a Service.
func NewService(s store.AccountStore) *Service {
	return &Service{store: s}
}

// Add registers a new active account for owner. The raw credential may be a
// token, a cookie string or a URL. A credential the owner already registered
// is rejected with store.ErrDuplicateCredential and nothing is written.
func (s *Service) Add(ctx context.Context, owner, name, rawCredential string) (*store.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}
	token, err := credential.Extract(rawCredential)
	if err != nil {
		return nil, err
	}

	if err := s.checkDuplicate(ctx, owner, token, ""); err != nil {
		return nil, err
	}

	a := &store.Account{
		Owner:      owner,
		Name:       name,
		Credential: token,
		Active:     true,
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicateCredential) {
			return nil, err
		}
		return nil, errors.Wrap(err, "create account")
	}
	return a, nil
}

func (s *Service) checkDuplicate(ctx context.Context, owner, token, selfID string) error {
	existing, err := s.store.FindAccountByCredential(ctx, owner, token)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return errors.Wrap(err, "check duplicate credential")
	case existing.ID == selfID:
		return nil
	default:
		return errors.WithHintf(store.ErrDuplicateCredential,
			"the credential is already registered as account %q", existing.Name)
	}
}

// Update applies patch to the account with the given id.
func (s *Service) Update(ctx context.Context, id string, patch Patch) (*store.Account, error) {
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, ErrNameRequired
		}
		a.Name = name
	}
	if patch.Credential != nil {
		token, err := credential.Extract(*patch.Credential)
		if err != nil {
			return nil, err
		}
		if err := s.checkDuplicate(ctx, a.Owner, token, a.ID); err != nil {
			return nil, err
		}
		a.Credential = token
	}
	if patch.Active != nil {
		a.Active = *patch.Active
	}

	if err := s.store.UpdateAccount(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicateCredential) || errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(err, "update account")
	}
	return a, nil
}

// Delete removes the account and its attempt history.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteAccount(ctx, id)
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, id string) (*store.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// List returns the owner's accounts, newest first.
func (s *Service) List(ctx context.Context, owner string) ([]*store.Account, error) {
	return s.store.ListAccounts(ctx, owner)
}
