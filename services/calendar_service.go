package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gatherhub/calsync/cache"
	"github.com/gatherhub/calsync/domain"
	calerrors "github.com/gatherhub/calsync/errors"
	"github.com/gatherhub/calsync/internal/audit"
	"github.com/gatherhub/calsync/internal/oauthstate"
	"github.com/gatherhub/calsync/internal/tokencipher"
)

// FlowOptions carries the caller's intent into StartFlow.
type FlowOptions struct {
	ReturnURL string
	Action    domain.Action
}

// FlowResult is what CompleteFlow hands back to the HTTP layer after a
// successful connect: who connected and where to send them.
type FlowResult struct {
	UserID    string
	ReturnURL string
	Action    domain.Action
}

// CalendarService coordinates the calendar connection lifecycle:
// Disconnected -> Connecting -> Connected, with Expired <-> Connected via
// refresh. No server-side flow record exists between StartFlow and
// CompleteFlow; the encoded state parameter is the only continuity.
type CalendarService struct {
	provider CalendarProvider
	repo     domain.CredentialRepository
	cipher   *tokencipher.Cipher
	states   *oauthstate.Codec
	locks    cache.RefreshLocker

	defaultReturnURL string
	now              func() time.Time
}

// NewCalendarService wires the coordinator. All dependencies are required.
func NewCalendarService(
	provider CalendarProvider,
	repo domain.CredentialRepository,
	cipher *tokencipher.Cipher,
	states *oauthstate.Codec,
	locks cache.RefreshLocker,
	defaultReturnURL string,
) *CalendarService {
	if defaultReturnURL == "" {
		defaultReturnURL = "/events"
	}
	return &CalendarService{
		provider:         provider,
		repo:             repo,
		cipher:           cipher,
		states:           states,
		locks:            locks,
		defaultReturnURL: defaultReturnURL,
		now:              time.Now,
	}
}

// StartFlow builds the provider authorization URL for an authenticated
// user. Nothing is persisted; the encoded state carries everything
// CompleteFlow needs.
func (s *CalendarService) StartFlow(ctx context.Context, userID string, opts FlowOptions) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("start flow requires an authenticated user")
	}

	state := domain.AuthState{
		UserID:    userID,
		ReturnURL: s.sanitizeReturnURL(opts.ReturnURL),
		Action:    opts.Action,
	}
	token, err := s.states.Encode(state)
	if err != nil {
		return "", err
	}

	log.Ctx(ctx).Debug().Str("user_id", userID).Str("action", string(state.Action)).Msg("Starting calendar connect flow")
	return s.provider.AuthorizationURL(token), nil
}

// CompleteFlow handles the provider callback: decode state, exchange the
// code, encrypt and persist the credentials. A failure after a successful
// exchange is not retried -- authorization codes are single-use, so the user
// restarts from StartFlow.
func (s *CalendarService) CompleteFlow(ctx context.Context, code, stateToken string) (*FlowResult, error) {
	state, err := s.states.Decode(stateToken)
	if err != nil {
		return nil, err
	}

	creds, err := s.provider.ExchangeCode(ctx, code)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("user_id", state.UserID).Msg("Authorization code exchange failed")
		return nil, err
	}

	if err := s.persist(ctx, state.UserID, creds); err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("user_id", state.UserID).
		Time("expires_at", creds.Expiry()).
		Bool("has_refresh_token", creds.RefreshToken != "").
		Msg("Calendar connected")
	audit.Log(audit.ActionConnected, state.UserID, true, "")

	returnURL := state.ReturnURL
	if returnURL == "" {
		returnURL = s.defaultReturnURL
	}
	return &FlowResult{UserID: state.UserID, ReturnURL: returnURL, Action: state.Action}, nil
}

// ServiceFor returns a ready calendar session for the user, refreshing
// expired credentials transparently. A nil session with a nil error means
// the user is not connected and should be offered the connect flow.
//
// Failure semantics are deliberately asymmetric: expired credentials with
// no refresh token are definitely unrecoverable and get cleared, while a
// failed refresh call might be a transient outage and never clears state
// on its own.
func (s *CalendarService) ServiceFor(ctx context.Context, userID string) (*CalendarSession, error) {
	creds, ok, err := s.loadCredentials(ctx, userID)
	if err != nil || !ok {
		return nil, err
	}

	if !creds.Expired(s.now()) {
		return s.session(userID, creds), nil
	}

	if creds.RefreshToken == "" {
		// Re-authorization is the only way forward.
		if err := s.repo.Clear(ctx, userID); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("user_id", userID).Msg("Failed to clear credentials without refresh token")
		}
		log.Ctx(ctx).Info().Str("user_id", userID).Msg("Calendar credentials expired without refresh token; re-authorization required")
		return nil, nil
	}

	return s.refresh(ctx, userID, creds)
}

// refresh performs a single-flight token refresh and persists the result.
func (s *CalendarService) refresh(ctx context.Context, userID string, creds *domain.CalendarCredentials) (*CalendarSession, error) {
	release, err := s.locks.Lock(ctx, userID)
	if err != nil {
		// The lock only dedups provider calls; a duplicate refresh is benign.
		log.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("Refresh lock unavailable; continuing without single-flight")
	} else {
		defer release()
	}

	// Another request may have finished the refresh while we waited.
	if fresh, ok, loadErr := s.loadCredentials(ctx, userID); loadErr == nil && ok {
		if !fresh.Expired(s.now()) {
			return s.session(userID, fresh), nil
		}
		creds = fresh
	} else if loadErr == nil && !ok {
		// Disconnected while we waited for the lock.
		return nil, nil
	}

	newCreds, err := s.provider.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		// Never auto-clear here: a provider outage must not silently
		// disconnect the user, and even a revoked grant is only surfaced
		// so the UI can offer a reconnect.
		log.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("Calendar token refresh failed")
		audit.Log(audit.ActionRefreshFail, userID, false, calerrors.CodeOf(err))
		return nil, err
	}

	if newCreds.RefreshToken == "" {
		// Provider did not roll the refresh token; keep the old one.
		newCreds.RefreshToken = creds.RefreshToken
	}

	if err := s.persist(ctx, userID, newCreds); err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("user_id", userID).
		Time("expires_at", newCreds.Expiry()).
		Msg("Calendar credentials refreshed")
	audit.Log(audit.ActionRefreshed, userID, true, "")
	return s.session(userID, newCreds), nil
}

// Disconnect clears the user's stored credentials. Idempotent: it succeeds
// whether or not anything was stored, and regardless of whether the stored
// blob was readable.
func (s *CalendarService) Disconnect(ctx context.Context, userID string) error {
	if err := s.repo.Clear(ctx, userID); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("user_id", userID).Msg("Calendar disconnected")
	audit.Log(audit.ActionDisconnected, userID, true, "")
	return nil
}

// Status is a read-only projection from the store. It never decrypts,
// refreshes, or calls the provider.
func (s *CalendarService) Status(ctx context.Context, userID string) (domain.ConnectionStatus, error) {
	return s.repo.Status(ctx, userID)
}

// loadCredentials loads and decrypts stored credentials. An unreadable blob
// is logged as an integrity concern and treated as not connected rather
// than failing the request.
func (s *CalendarService) loadCredentials(ctx context.Context, userID string) (*domain.CalendarCredentials, bool, error) {
	conn, err := s.repo.Load(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if conn == nil {
		return nil, false, nil
	}

	creds, err := s.cipher.Decrypt(conn.Blob)
	if err != nil {
		if errors.Is(err, calerrors.ErrDecryptionFailed) {
			log.Ctx(ctx).Error().Err(err).Str("user_id", userID).Msg("Stored calendar credentials are unreadable")
			return nil, false, nil
		}
		return nil, false, err
	}
	return creds, true, nil
}

func (s *CalendarService) persist(ctx context.Context, userID string, creds *domain.CalendarCredentials) error {
	blob, err := s.cipher.Encrypt(creds)
	if err != nil {
		return err
	}
	return s.repo.Save(ctx, userID, blob, creds.Expiry())
}

func (s *CalendarService) session(userID string, creds *domain.CalendarCredentials) *CalendarSession {
	return &CalendarSession{userID: userID, creds: creds, provider: s.provider}
}

// sanitizeReturnURL only accepts internal paths; anything else falls back
// to the default return path.
func (s *CalendarService) sanitizeReturnURL(raw string) string {
	if raw == "" {
		return s.defaultReturnURL
	}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return s.defaultReturnURL
	}
	return raw
}

// CalendarSession is the capability handle for downstream calendar
// operations. It holds decrypted credentials for the scope of one request
// and must not be retained across requests.
type CalendarSession struct {
	userID   string
	creds    *domain.CalendarCredentials
	provider CalendarProvider
}

// UserID returns the user this session acts for.
func (cs *CalendarSession) UserID() string { return cs.userID }

// CreateEvent adds an event to the user's calendar.
func (cs *CalendarSession) CreateEvent(ctx context.Context, event *domain.EventSpec) (string, error) {
	return cs.provider.CreateEvent(ctx, cs.creds, event)
}

// UpdateEvent replaces an event previously created through this service.
func (cs *CalendarSession) UpdateEvent(ctx context.Context, eventID string, event *domain.EventSpec) error {
	return cs.provider.UpdateEvent(ctx, cs.creds, eventID, event)
}

// DeleteEvent removes an event from the user's calendar.
func (cs *CalendarSession) DeleteEvent(ctx context.Context, eventID string) error {
	return cs.provider.DeleteEvent(ctx, cs.creds, eventID)
}
