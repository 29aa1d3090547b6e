package testutil

import (
	"context"
	"net/url"
	"time"

	"github.com/dgellow/kvoauth/internal/oauth"
	"github.com/dgellow/kvoauth/internal/storage"
	"github.com/stretchr/testify/mock"
)

type MockOAuthClient struct {
	mock.Mock
}

var _ oauth.Client = (*MockOAuthClient)(nil)

func (m *MockOAuthClient) AuthorizationURI(req oauth.AuthorizationRequest) (*oauth.AuthorizationURI, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oauth.AuthorizationURI), args.Error(1)
}

func (m *MockOAuthClient) Token(ctx context.Context, callbackURL *url.URL, req oauth.TokenRequest) (*oauth.Tokens, error) {
	args := m.Called(ctx, callbackURL, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oauth.Tokens), args.Error(1)
}

func (m *MockOAuthClient) Refresh(ctx context.Context, refreshToken string) (*oauth.Tokens, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oauth.Tokens), args.Error(1)
}

type MockStore struct {
	mock.Mock
}

var _ storage.Store = (*MockStore)(nil)

func (m *MockStore) Get(ctx context.Context, key storage.Key) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStore) Set(ctx context.Context, key storage.Key, value []byte, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

func (m *MockStore) Replace(ctx context.Context, key storage.Key, value []byte, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

func (m *MockStore) Delete(ctx context.Context, key storage.Key) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockStore) GetDelete(ctx context.Context, key storage.Key) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStore) List(ctx context.Context, namespace string) ([]storage.Entry, error) {
	args := m.Called(ctx, namespace)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]storage.Entry), args.Error(1)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
