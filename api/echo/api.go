package echo

import (
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/gatherhub/calsync/domain"
	calerrors "github.com/gatherhub/calsync/errors"
	"github.com/gatherhub/calsync/services"
)

// CurrentUserFunc resolves the authenticated user for a request. The
// session layer lives outside this service; the host application plugs its
// own resolver in here.
type CurrentUserFunc func(c echo.Context) (string, error)

// CalendarAPI exposes the calendar connection endpoints.
type CalendarAPI struct {
	svc         *services.CalendarService
	currentUser CurrentUserFunc
	errorPath   string
}

// NewCalendarAPI initializes the calendar API.
func NewCalendarAPI(svc *services.CalendarService, currentUser CurrentUserFunc) *CalendarAPI {
	return &CalendarAPI{
		svc:         svc,
		currentUser: currentUser,
		errorPath:   "/calendar/error",
	}
}

// RegisterRoutes registers the calendar routes.
func (ca *CalendarAPI) RegisterRoutes(e *echo.Echo) {
	e.GET("/calendar/connect", ca.ConnectHandler)
	e.GET("/calendar/oauth/callback", ca.CallbackHandler)
	e.GET("/calendar/status", ca.StatusHandler)
	e.POST("/calendar/disconnect", ca.DisconnectHandler)
	e.POST("/calendar/events", ca.CreateEventHandler)
}

// ConnectHandler redirects the authenticated user to the provider's
// consent screen. Accepts `action` and `returnUrl` query parameters.
func (ca *CalendarAPI) ConnectHandler(c echo.Context) error {
	userID, err := ca.currentUser(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	authURL, err := ca.svc.StartFlow(c.Request().Context(), userID, services.FlowOptions{
		Action:    domain.ParseAction(c.QueryParam("action")),
		ReturnURL: c.QueryParam("returnUrl"),
	})
	if err != nil {
		log.Ctx(c.Request().Context()).Error().Err(err).Str("user_id", userID).Msg("Failed to start calendar connect flow")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start connect flow")
	}

	return c.Redirect(http.StatusFound, authURL)
}

// CallbackHandler receives the provider redirect. Failures always land on
// the UI error path with a stable error code; provider error text never
// reaches the client.
func (ca *CalendarAPI) CallbackHandler(c echo.Context) error {
	ctx := c.Request().Context()

	if providerErr := c.QueryParam("error"); providerErr != "" {
		code := calerrors.CodeServerError
		if providerErr == "access_denied" {
			code = calerrors.CodeAccessDenied
		}
		log.Ctx(ctx).Info().Str("provider_error", providerErr).Msg("Calendar consent not granted")
		return ca.redirectError(c, code)
	}

	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		return ca.redirectError(c, calerrors.CodeMalformedState)
	}

	result, err := ca.svc.CompleteFlow(ctx, code, state)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("Calendar connect flow failed")
		return ca.redirectError(c, calerrors.CodeOf(err))
	}

	target, err := url.Parse(result.ReturnURL)
	if err != nil {
		target = &url.URL{Path: "/"}
	}
	q := target.Query()
	q.Set("calendar", "connected")
	q.Set("action", string(result.Action))
	target.RawQuery = q.Encode()

	return c.Redirect(http.StatusFound, target.String())
}

// StatusHandler reports the connection view for the current user. It is
// polled by the UI after redirect-back and must stay cheap: no refresh, no
// provider calls.
func (ca *CalendarAPI) StatusHandler(c echo.Context) error {
	userID, err := ca.currentUser(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	status, err := ca.svc.Status(c.Request().Context(), userID)
	if err != nil {
		log.Ctx(c.Request().Context()).Error().Err(err).Str("user_id", userID).Msg("Failed to read calendar status")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read status")
	}
	return c.JSON(http.StatusOK, status)
}

// DisconnectHandler clears the user's connection. Idempotent: disconnecting
// an already-disconnected user succeeds.
func (ca *CalendarAPI) DisconnectHandler(c echo.Context) error {
	userID, err := ca.currentUser(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	if err := ca.svc.Disconnect(c.Request().Context(), userID); err != nil {
		log.Ctx(c.Request().Context()).Error().Err(err).Str("user_id", userID).Msg("Failed to disconnect calendar")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to disconnect")
	}
	return c.JSON(http.StatusOK, map[string]bool{"disconnected": true})
}

// createEventRequest is the ticketing-flow entry point payload: add a
// confirmed event to the user's calendar.
type createEventRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
}

// CreateEventHandler adds an event through the user's calendar session.
func (ca *CalendarAPI) CreateEventHandler(c echo.Context) error {
	userID, err := ca.currentUser(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var req createEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event payload")
	}
	if req.Title == "" || req.StartsAt.IsZero() || req.EndsAt.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "title, starts_at and ends_at are required")
	}

	ctx := c.Request().Context()
	session, err := ca.svc.ServiceFor(ctx, userID)
	if err != nil {
		return ca.jsonError(c, err)
	}
	if session == nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": calerrors.CodeNotConnected})
	}

	eventID, err := session.CreateEvent(ctx, &domain.EventSpec{
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
	})
	if err != nil {
		return ca.jsonError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"event_id": eventID})
}

func (ca *CalendarAPI) redirectError(c echo.Context, code string) error {
	return c.Redirect(http.StatusFound, ca.errorPath+"?error="+url.QueryEscape(code))
}

// jsonError maps flow errors onto HTTP statuses with only the stable code
// in the body.
func (ca *CalendarAPI) jsonError(c echo.Context, err error) error {
	code := calerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case calerrors.CodeNotConnected, calerrors.CodeRevokedGrant:
		status = http.StatusConflict
	case calerrors.CodeProviderUnavailable:
		status = http.StatusBadGateway
	case calerrors.CodeMalformedState, calerrors.CodeExchangeFailed, calerrors.CodeProviderRejected:
		status = http.StatusBadRequest
	}
	return c.JSON(status, map[string]string{"error": code})
}
