package tokenstore

import (
	"context"
	"encoding/json"

	apperrors "github.com/jrsteele09/go-devtracker-auth/internal/errors"
	"github.com/jrsteele09/go-devtracker-auth/storage"
	"github.com/jrsteele09/go-devtracker-auth/users"
	"github.com/pkg/errors"
)

// Storage keys of the persisted auth record
const (
	KeyAuthToken    = "auth_token"
	KeyRefreshToken = "refresh_token"
	KeyUserData     = "user_data"
)

// Record is the durable mirror of an authenticated session.
type Record struct {
	User         *users.User
	AccessToken  string
	RefreshToken string
}

// Store persists the auth record into a KV. Errors are wrapped with ErrStorage.
type Store struct {
	kv storage.KV
}

func New(kv storage.KV) *Store {
	return &Store{kv: kv}
}

func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.User == nil {
		return errors.Wrap(apperrors.ErrStorage, "[tokenstore.Save] user is required")
	}
	userData, err := json.Marshal(rec.User)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrStorage, "[tokenstore.Save] encode user: %v", err)
	}
	if err := s.kv.MultiSet(ctx, map[string]string{
		KeyAuthToken:    rec.AccessToken,
		KeyRefreshToken: rec.RefreshToken,
		KeyUserData:     string(userData),
	}); err != nil {
		return apperrors.Wrapf(apperrors.ErrStorage, "[tokenstore.Save] %v", err)
	}
	return nil
}

// Load returns nil unless all three parts are present and the user is well formed.
// A partial record is treated as absent, never half restored.
func (s *Store) Load(ctx context.Context) (*Record, error) {
	values, err := s.kv.MultiGet(ctx, KeyAuthToken, KeyRefreshToken, KeyUserData)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrStorage, "[tokenstore.Load] %v", err)
	}

	token := values[KeyAuthToken]
	refreshToken := values[KeyRefreshToken]
	userData := values[KeyUserData]
	if token == "" || refreshToken == "" || userData == "" {
		return nil, nil
	}

	user, err := users.Parse([]byte(userData))
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrStorage, "[tokenstore.Load] stored user: %v", err)
	}

	return &Record{
		User:         user,
		AccessToken:  token,
		RefreshToken: refreshToken,
	}, nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.MultiRemove(ctx, KeyAuthToken, KeyRefreshToken, KeyUserData); err != nil {
		return apperrors.Wrapf(apperrors.ErrStorage, "[tokenstore.Clear] %v", err)
	}
	return nil
}
