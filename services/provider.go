package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	googleOAuth2 "golang.org/x/oauth2/google"

	"github.com/gatherhub/calsync/domain"
	calerrors "github.com/gatherhub/calsync/errors"
)

// GoogleEventsEndpoint is the Calendar API collection for the user's
// primary calendar. Overridable for tests.
var GoogleEventsEndpoint = "https://www.googleapis.com/calendar/v3/calendars/primary/events"

// CalendarProvider is the external calendar collaborator: the OAuth token
// endpoint plus event CRUD. Every call is network I/O and may be slow or
// fail; ExchangeCode is never retry-safe (authorization codes are
// single-use).
type CalendarProvider interface {
	// AuthorizationURL returns the provider consent URL with the encoded
	// state embedded.
	AuthorizationURL(state string) string

	// ExchangeCode trades a single-use authorization code for credentials.
	ExchangeCode(ctx context.Context, code string) (*domain.CalendarCredentials, error)

	// Refresh obtains fresh credentials from a refresh token. When the
	// provider rolls the refresh token, the new one is returned; otherwise
	// the returned credentials carry no refresh token and the caller keeps
	// the old one.
	Refresh(ctx context.Context, refreshToken string) (*domain.CalendarCredentials, error)

	// CreateEvent inserts an event into the user's primary calendar and
	// returns the provider event id.
	CreateEvent(ctx context.Context, creds *domain.CalendarCredentials, event *domain.EventSpec) (string, error)

	// UpdateEvent replaces an existing event.
	UpdateEvent(ctx context.Context, creds *domain.CalendarCredentials, eventID string, event *domain.EventSpec) error

	// DeleteEvent removes an event. Deleting an already-deleted event is
	// not an error.
	DeleteEvent(ctx context.Context, creds *domain.CalendarCredentials, eventID string) error
}

// GoogleCalendarProvider implements CalendarProvider against the Google
// Calendar API.
type GoogleCalendarProvider struct {
	conf      *oauth2.Config
	eventsURL string
	timeout   time.Duration
}

// NewGoogleCalendarProvider creates a provider client for the configured
// OAuth application. The events scope is the only one requested.
func NewGoogleCalendarProvider(clientID, clientSecret, redirectURL string) *GoogleCalendarProvider {
	return &GoogleCalendarProvider{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"https://www.googleapis.com/auth/calendar.events"},
			Endpoint:     googleOAuth2.Endpoint,
		},
		eventsURL: GoogleEventsEndpoint,
		timeout:   15 * time.Second,
	}
}

// AuthorizationURL asks for offline access so a refresh token is issued,
// and forces the consent prompt so re-connects get one too.
func (g *GoogleCalendarProvider) AuthorizationURL(state string) string {
	return g.conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

func (g *GoogleCalendarProvider) ExchangeCode(ctx context.Context, code string) (*domain.CalendarCredentials, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	tok, err := g.conf.Exchange(ctx, code)
	if err != nil {
		if retrieveErr, ok := asRetrieveError(err); ok && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			return nil, calerrors.Wrap(calerrors.ErrCodeExchange, err)
		}
		return nil, calerrors.Wrap(calerrors.ErrProviderUnavailable, err)
	}
	return credentialsFromToken(tok), nil
}

func (g *GoogleCalendarProvider) Refresh(ctx context.Context, refreshToken string) (*domain.CalendarCredentials, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	src := g.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		if retrieveErr, ok := asRetrieveError(err); ok {
			if retrieveErr.ErrorCode == "invalid_grant" {
				return nil, calerrors.Wrap(calerrors.ErrRevokedGrant, err)
			}
			if retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
				return nil, calerrors.Wrap(calerrors.ErrRevokedGrant, err)
			}
		}
		return nil, calerrors.Wrap(calerrors.ErrProviderUnavailable, err)
	}

	creds := credentialsFromToken(tok)
	if tok.RefreshToken == refreshToken {
		// Not rolled; let the caller keep what it has.
		creds.RefreshToken = ""
	}
	return creds, nil
}

// googleEvent is the wire shape of a Calendar API event resource, reduced
// to the fields this service writes.
type googleEvent struct {
	ID          string          `json:"id,omitempty"`
	Summary     string          `json:"summary"`
	Description string          `json:"description,omitempty"`
	Location    string          `json:"location,omitempty"`
	Start       googleEventTime `json:"start"`
	End         googleEventTime `json:"end"`
}

type googleEventTime struct {
	DateTime string `json:"dateTime"`
}

func toGoogleEvent(event *domain.EventSpec) *googleEvent {
	return &googleEvent{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
		Start:       googleEventTime{DateTime: event.StartsAt.Format(time.RFC3339)},
		End:         googleEventTime{DateTime: event.EndsAt.Format(time.RFC3339)},
	}
}

func (g *GoogleCalendarProvider) CreateEvent(ctx context.Context, creds *domain.CalendarCredentials, event *domain.EventSpec) (string, error) {
	var created googleEvent
	err := g.call(ctx, creds, http.MethodPost, g.eventsURL, toGoogleEvent(event), &created)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (g *GoogleCalendarProvider) UpdateEvent(ctx context.Context, creds *domain.CalendarCredentials, eventID string, event *domain.EventSpec) error {
	url := fmt.Sprintf("%s/%s", g.eventsURL, eventID)
	return g.call(ctx, creds, http.MethodPut, url, toGoogleEvent(event), nil)
}

func (g *GoogleCalendarProvider) DeleteEvent(ctx context.Context, creds *domain.CalendarCredentials, eventID string) error {
	url := fmt.Sprintf("%s/%s", g.eventsURL, eventID)
	err := g.call(ctx, creds, http.MethodDelete, url, nil, nil)
	var statusErr *apiStatusError
	if errors.As(err, &statusErr) && (statusErr.status == http.StatusNotFound || statusErr.status == http.StatusGone) {
		// Already gone; deleting twice is not a failure. Any other
		// rejection (401/403 on bad credentials included) is surfaced.
		return nil
	}
	return err
}

// call performs an authenticated Calendar API request and decodes the
// response into out when provided.
func (g *GoogleCalendarProvider) call(ctx context.Context, creds *domain.CalendarCredentials, method, url string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: creds.AccessToken,
		TokenType:   creds.TokenType,
	}))
	resp, err := client.Do(req)
	if err != nil {
		return calerrors.Wrap(calerrors.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return calerrors.Wrap(calerrors.ErrProviderUnavailable, &apiStatusError{status: resp.StatusCode})
	}
	if resp.StatusCode >= 400 {
		return calerrors.Wrap(calerrors.ErrProviderRejected, &apiStatusError{status: resp.StatusCode})
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode calendar API response: %w", err)
		}
	}
	return nil
}

// apiStatusError keeps the Calendar API HTTP status inside the wrapped flow
// error so callers can branch on specific statuses.
type apiStatusError struct {
	status int
}

func (e *apiStatusError) Error() string {
	return fmt.Sprintf("calendar API returned status %d", e.status)
}

func credentialsFromToken(tok *oauth2.Token) *domain.CalendarCredentials {
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	scope, _ := tok.Extra("scope").(string)
	return &domain.CalendarCredentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiry.UnixMilli(),
		Scope:        scope,
		TokenType:    tok.TokenType,
	}
}

func asRetrieveError(err error) (*oauth2.RetrieveError, bool) {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr, true
	}
	return nil, false
}
