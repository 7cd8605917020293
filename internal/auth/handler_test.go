package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/curia-hub/curia-hub/internal/shared"
	"github.com/curia-hub/curia-hub/internal/staff"
	_ "github.com/curia-hub/curia-hub/testing"
)

type stubIdentity struct {
	id  uuid.UUID
	err error
}

func (s *stubIdentity) Verify(ctx context.Context, email, password string) (uuid.UUID, error) {
	if s.err != nil {
		return uuid.Nil, s.err
	}
	return s.id, nil
}

type stubAccounts struct {
	account staff.StaffAccount
	err     error
}

func (s *stubAccounts) GetAccount(ctx context.Context, id uuid.UUID) (staff.StaffAccount, error) {
	if s.err != nil {
		return staff.StaffAccount{}, s.err
	}
	return s.account, nil
}

type stubSessions struct {
	created []string
	deleted []string
}

func (s *stubSessions) CreateSession(ctx context.Context, id string, identityID uuid.UUID, expiresAt time.Time, ip, ua string) error {
	s.created = append(s.created, id)
	return nil
}

func (s *stubSessions) DeleteSession(ctx context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func activeAccount() staff.StaffAccount {
	return staff.StaffAccount{
		ID:     uuid.New(),
		Email:  "chancellor@curia.local",
		Name:   "Margaret Keane",
		Role:   staff.RoleChancellor,
		Scope:  staff.Scope{Diocese: "diocese-of-armagh"},
		Status: staff.StatusActive,
	}
}

func newTestHandler(t *testing.T, service *Service) (*Handler, *shared.SessionManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sessionManager := shared.NewSessionManager(client, "test_session", "secret", time.Hour, false)
	csrfManager := shared.NewCSRFManager("csrfsecret")
	return NewHandler(nil, service, sessionManager, csrfManager), sessionManager
}

func TestAuthenticateRequiresActiveAccount(t *testing.T) {
	account := activeAccount()
	identity := &stubIdentity{id: account.ID}

	svc := NewService(identity, &stubAccounts{account: account}, &stubSessions{})
	got, err := svc.Authenticate(context.Background(), account.Email, "password123")
	require.NoError(t, err)
	require.Equal(t, account.ID, got.ID)

	for _, status := range []staff.Status{staff.StatusPending, staff.StatusInactive, staff.StatusArchived, staff.StatusRejected} {
		blocked := account
		blocked.Status = status
		svc := NewService(identity, &stubAccounts{account: blocked}, &stubSessions{})
		_, err := svc.Authenticate(context.Background(), account.Email, "password123")
		require.ErrorIs(t, err, shared.ErrInvalidCredentials, "status %s must not sign in", status)
	}
}

func TestAuthenticateBadCredentials(t *testing.T) {
	svc := NewService(&stubIdentity{err: errors.New("no such identity")}, &stubAccounts{}, &stubSessions{})
	_, err := svc.Authenticate(context.Background(), "nobody@curia.local", "wrong")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestLoginIssuesSessionAndCSRFToken(t *testing.T) {
	account := activeAccount()
	sessions := &stubSessions{}
	svc := NewService(&stubIdentity{id: account.ID}, &stubAccounts{account: account}, sessions)
	handler, sessionManager := newTestHandler(t, svc)

	body := `{"email":"chancellor@curia.local","password":"password123"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	sess, err := sessionManager.Load(context.Background(), req)
	require.NoError(t, err)
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	rec := httptest.NewRecorder()
	handler.handleLogin(rec, req)
	require.NoError(t, sessionManager.Commit(req.Context(), rec, req, sess))

	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		CSRFToken string `json:"csrf_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.NotEmpty(t, payload.CSRFToken)
	require.Equal(t, account.ID.String(), sess.User())
	require.Equal(t, []string{sess.ID}, sessions.created)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	svc := NewService(&stubIdentity{err: errors.New("mismatch")}, &stubAccounts{}, &stubSessions{})
	handler, sessionManager := newTestHandler(t, svc)

	body := `{"email":"chancellor@curia.local","password":"password123"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
	sess, err := sessionManager.Load(context.Background(), req)
	require.NoError(t, err)
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	rec := httptest.NewRecorder()
	handler.handleLogin(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, sess.User())
}

func TestLogoutRemovesSession(t *testing.T) {
	account := activeAccount()
	sessions := &stubSessions{}
	svc := NewService(&stubIdentity{id: account.ID}, &stubAccounts{account: account}, sessions)
	handler, sessionManager := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	sess, err := sessionManager.Load(context.Background(), req)
	require.NoError(t, err)
	sess.SetUser(account.ID.String())
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	rec := httptest.NewRecorder()
	handler.handleLogout(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{sess.ID}, sessions.deleted)
}

func TestMeRequiresLogin(t *testing.T) {
	account := activeAccount()
	svc := NewService(&stubIdentity{id: account.ID}, &stubAccounts{account: account}, &stubSessions{})
	handler, sessionManager := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	sess, err := sessionManager.Load(context.Background(), req)
	require.NoError(t, err)
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	rec := httptest.NewRecorder()
	handler.handleMe(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	sess.SetUser(account.ID.String())
	rec = httptest.NewRecorder()
	handler.handleMe(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), account.Email)
}
