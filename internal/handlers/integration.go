package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// CredentialService is the slice of credentials.Store the integration endpoints use.
type CredentialService interface {
	List(ctx context.Context, userID string) ([]models.Integration, error)
	Save(ctx context.Context, userID string, provider models.Provider, tokens models.TokenSet) (*models.Integration, error)
	Disconnect(ctx context.Context, userID string, provider models.Provider) error
}

type StateStore interface {
	Issue(ctx context.Context, userID string, provider models.Provider) (string, error)
	Consume(ctx context.Context, state string) (*redis.OAuthState, error)
}

// IntegrationHandler serves the OAuth connect flow and integration management.
type IntegrationHandler struct {
	credentials CredentialService
	states      StateStore
	registry    *providers.Registry
	// connectedRedirect, when set, is where the browser lands after a successful callback
	connectedRedirect string
	logger            ectologger.Logger
}

func NewIntegrationHandler(credentials CredentialService, states StateStore, registry *providers.Registry, connectedRedirect string, logger ectologger.Logger) *IntegrationHandler {
	return &IntegrationHandler{
		credentials:       credentials,
		states:            states,
		registry:          registry,
		connectedRedirect: connectedRedirect,
		logger:            logger,
	}
}

type providerRequest struct {
	Provider string `param:"provider" validate:"required"`
}

type callbackRequest struct {
	Provider string `param:"provider" validate:"required"`
	State    string `query:"state" validate:"required"`
	Code     string `query:"code" validate:"required_without=Error"`
	Error    string `query:"error"`
}

type AuthorizeResponse struct {
	URL string `json:"url"`
}

// RegisterRoutes registers the authenticated integration routes.
func (h *IntegrationHandler) RegisterRoutes(g *echo.Group) {
	integrations := g.Group("/integrations")
	integrations.GET("", h.List)
	integrations.GET("/:provider/authorize", h.Authorize)
	integrations.DELETE("/:provider", h.Disconnect)
}

// RegisterPublicRoutes registers the OAuth callback, which the provider redirects to without our
// bearer token.
func (h *IntegrationHandler) RegisterPublicRoutes(g *echo.Group) {
	g.GET("/oauth/:provider/callback", h.Callback)
}

// List handles GET /integrations
func (h *IntegrationHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	integrations, err := h.credentials.List(ctx, userID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, integrations)
}

// Authorize handles GET /integrations/:provider/authorize
func (h *IntegrationHandler) Authorize(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "IntegrationHandler.Authorize")
	defer span.End()

	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	var req providerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	provider, err := parseProvider(req.Provider)
	if err != nil {
		return err
	}

	adapter, err := h.registry.Require(provider, providers.CapabilityAuth)
	if err != nil {
		return err
	}

	state, err := h.states.Issue(ctx, userID, provider)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("failed to issue oauth state")
		return err
	}

	return SuccessResponse(c, AuthorizeResponse{URL: adapter.AuthURL(state)})
}

// Callback handles GET /oauth/:provider/callback
func (h *IntegrationHandler) Callback(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "IntegrationHandler.Callback")
	defer span.End()

	var req callbackRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	provider, err := parseProvider(req.Provider)
	if err != nil {
		return err
	}

	// the state is burned before anything else so a replayed callback fails
	state, err := h.states.Consume(ctx, req.State)
	if errors.Is(err, redis.ErrStateNotFound) {
		return BadRequest("invalid or expired state")
	}
	if err != nil {
		return err
	}
	if state.Provider != provider {
		return BadRequest("state was issued for another provider")
	}

	ctx = appctx.SetUserID(ctx, state.UserID)
	log := h.logger.WithContext(ctx).WithField("provider", provider)

	if req.Error != "" {
		log.Warnf("provider denied authorization: %s", req.Error)
		return BadRequest("authorization was denied: " + req.Error)
	}

	adapter, err := h.registry.Require(provider, providers.CapabilityAuth)
	if err != nil {
		return err
	}
	tokens, err := adapter.ExchangeCode(ctx, req.Code)
	if err != nil {
		return err
	}

	integration, err := h.credentials.Save(ctx, state.UserID, provider, *tokens)
	if err != nil {
		return err
	}

	if h.connectedRedirect != "" {
		target, err := url.Parse(h.connectedRedirect)
		if err == nil {
			q := target.Query()
			q.Set("provider", provider.String())
			q.Set("status", "connected")
			target.RawQuery = q.Encode()
			return c.Redirect(http.StatusFound, target.String())
		}
		log.WithError(err).Warn("connected redirect is not a valid url")
	}
	return SuccessResponse(c, integration)
}

// Disconnect handles DELETE /integrations/:provider
func (h *IntegrationHandler) Disconnect(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	var req providerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	provider, err := parseProvider(req.Provider)
	if err != nil {
		return err
	}

	if err := h.credentials.Disconnect(ctx, userID, provider); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
