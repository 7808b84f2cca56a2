package echo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherhub/calsync/cache"
	"github.com/gatherhub/calsync/domain"
	"github.com/gatherhub/calsync/internal/oauthstate"
	"github.com/gatherhub/calsync/internal/tokencipher"
	"github.com/gatherhub/calsync/services"
)

// stubProvider is a minimal CalendarProvider for handler tests.
type stubProvider struct {
	mu            sync.Mutex
	exchangeCalls int
	exchangeCreds *domain.CalendarCredentials
	exchangeErr   error
	createdEvents []*domain.EventSpec
}

func (s *stubProvider) AuthorizationURL(state string) string {
	return "https://provider.example/auth?state=" + url.QueryEscape(state)
}

func (s *stubProvider) ExchangeCode(ctx context.Context, code string) (*domain.CalendarCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchangeCalls++
	return s.exchangeCreds, s.exchangeErr
}

func (s *stubProvider) Refresh(ctx context.Context, refreshToken string) (*domain.CalendarCredentials, error) {
	return nil, errors.New("refresh not expected in this test")
}

func (s *stubProvider) CreateEvent(ctx context.Context, creds *domain.CalendarCredentials, event *domain.EventSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createdEvents = append(s.createdEvents, event)
	return "evt-1", nil
}

func (s *stubProvider) UpdateEvent(ctx context.Context, creds *domain.CalendarCredentials, eventID string, event *domain.EventSpec) error {
	return nil
}

func (s *stubProvider) DeleteEvent(ctx context.Context, creds *domain.CalendarCredentials, eventID string) error {
	return nil
}

// memRepo is an in-memory CredentialRepository for handler tests.
type memRepo struct {
	mu    sync.Mutex
	conns map[string]*domain.CalendarConnection
}

func newMemRepo() *memRepo {
	return &memRepo{conns: make(map[string]*domain.CalendarConnection)}
}

func (r *memRepo) Save(_ context.Context, userID string, blob domain.EncryptedCredentialBlob, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	connectedAt := now
	if existing, ok := r.conns[userID]; ok {
		connectedAt = existing.ConnectedAt
	}
	r.conns[userID] = &domain.CalendarConnection{
		UserID: userID, Blob: blob, Connected: true,
		ConnectedAt: connectedAt, ExpiresAt: expiresAt.UTC(), UpdatedAt: now,
	}
	return nil
}

func (r *memRepo) Load(_ context.Context, userID string) (*domain.CalendarConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[userID]
	if !ok {
		return nil, nil
	}
	cp := *conn
	return &cp, nil
}

func (r *memRepo) Clear(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, userID)
	return nil
}

func (r *memRepo) Status(ctx context.Context, userID string) (domain.ConnectionStatus, error) {
	conn, err := r.Load(ctx, userID)
	if err != nil || conn == nil {
		return domain.ConnectionStatus{}, err
	}
	connectedAt := conn.ConnectedAt
	expiresAt := conn.ExpiresAt
	return domain.ConnectionStatus{Connected: true, ConnectedAt: &connectedAt, ExpiresAt: &expiresAt}, nil
}

func headerUser(c echo.Context) (string, error) {
	userID := c.Request().Header.Get("X-User-ID")
	if userID == "" {
		return "", errors.New("no session")
	}
	return userID, nil
}

func newTestServer(t *testing.T) (*echo.Echo, *services.CalendarService, *stubProvider) {
	t.Helper()

	cipher, err := tokencipher.New("api-test-secret")
	require.NoError(t, err)
	locks := cache.NewMemoryRefreshLock(time.Minute)
	t.Cleanup(locks.Stop)

	provider := &stubProvider{
		exchangeCreds: &domain.CalendarCredentials{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
			TokenType:    "Bearer",
		},
	}
	svc := services.NewCalendarService(provider, newMemRepo(), cipher, oauthstate.NewCodec(10*time.Minute), locks, "/events")

	e := echo.New()
	NewCalendarAPI(svc, headerUser).RegisterRoutes(e)
	return e, svc, provider
}

func doRequest(e *echo.Echo, method, target, userID string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestConnectRedirectsToProvider(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec := doRequest(e, http.MethodGet, "/calendar/connect?action=create_event&returnUrl=/events/7", "user-1", "")
	require.Equal(t, http.StatusFound, rec.Code)

	loc := rec.Header().Get(echo.HeaderLocation)
	assert.True(t, strings.HasPrefix(loc, "https://provider.example/auth?state="), "got %q", loc)
}

func TestConnectRequiresAuthentication(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec := doRequest(e, http.MethodGet, "/calendar/connect", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackDeniedConsent(t *testing.T) {
	e, _, provider := newTestServer(t)

	rec := doRequest(e, http.MethodGet,
		"/calendar/oauth/callback?error=access_denied&error_description=User+denied+access", "", "")
	require.Equal(t, http.StatusFound, rec.Code)

	loc := rec.Header().Get(echo.HeaderLocation)
	assert.Equal(t, "/calendar/error?error=access_denied", loc)
	assert.NotContains(t, loc, "denied access", "raw provider text must not leak")
	assert.Equal(t, 0, provider.exchangeCalls, "denied consent must not hit the token endpoint")
}

func TestCallbackMalformedState(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec := doRequest(e, http.MethodGet, "/calendar/oauth/callback?code=abc&state=garbage", "", "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/calendar/error?error=malformed_state", rec.Header().Get(echo.HeaderLocation))
}

func TestCallbackMissingParams(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec := doRequest(e, http.MethodGet, "/calendar/oauth/callback", "", "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/calendar/error?error=malformed_state", rec.Header().Get(echo.HeaderLocation))
}

func TestFullConnectFlowThroughHandlers(t *testing.T) {
	e, svc, _ := newTestServer(t)
	ctx := context.Background()

	authURL, err := svc.StartFlow(ctx, "user-1", services.FlowOptions{Action: domain.ActionConnect, ReturnURL: "/events/7"})
	require.NoError(t, err)
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)

	rec := doRequest(e, http.MethodGet,
		"/calendar/oauth/callback?code=good-code&state="+url.QueryEscape(state), "", "")
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get(echo.HeaderLocation))
	require.NoError(t, err)
	assert.Equal(t, "/events/7", loc.Path)
	assert.Equal(t, "connected", loc.Query().Get("calendar"))

	statusRec := doRequest(e, http.MethodGet, "/calendar/status", "user-1", "")
	require.Equal(t, http.StatusOK, statusRec.Code)

	var status domain.ConnectionStatus
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &status))
	assert.True(t, status.Connected)
	assert.NotNil(t, status.ExpiresAt)
}

func TestStatusDisconnectedUser(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec := doRequest(e, http.MethodGet, "/calendar/status", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status domain.ConnectionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Connected)
	assert.Nil(t, status.ConnectedAt)
}

func TestDisconnectIsIdempotentAtHTTPLevel(t *testing.T) {
	e, _, _ := newTestServer(t)

	for i := 0; i < 2; i++ {
		rec := doRequest(e, http.MethodPost, "/calendar/disconnect", "user-1", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestCreateEventNotConnected(t *testing.T) {
	e, _, _ := newTestServer(t)

	body := `{"title":"Picnic","starts_at":"2026-09-05T10:00:00Z","ends_at":"2026-09-05T12:00:00Z"}`
	rec := doRequest(e, http.MethodPost, "/calendar/events", "user-1", body)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_connected")
}

func TestCreateEventConnected(t *testing.T) {
	e, svc, provider := newTestServer(t)
	ctx := context.Background()

	authURL, err := svc.StartFlow(ctx, "user-1", services.FlowOptions{})
	require.NoError(t, err)
	parsed, _ := url.Parse(authURL)
	_, err = svc.CompleteFlow(ctx, "good-code", parsed.Query().Get("state"))
	require.NoError(t, err)

	body := `{"title":"Picnic","location":"Riverside Park","starts_at":"2026-09-05T10:00:00Z","ends_at":"2026-09-05T12:00:00Z"}`
	rec := doRequest(e, http.MethodPost, "/calendar/events", "user-1", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "evt-1")

	require.Len(t, provider.createdEvents, 1)
	assert.Equal(t, "Picnic", provider.createdEvents[0].Title)
}

func TestCreateEventValidation(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec := doRequest(e, http.MethodPost, "/calendar/events", "user-1", `{"title":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
