package middleware

import (
	stdctx "context"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type UserClaims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
}

// ClaimsVerifier validates a raw bearer token and returns its claims.
type ClaimsVerifier func(ctx stdctx.Context, rawToken string) (UserClaims, error)

// NewOIDCVerifier discovers issuer and returns a verifier for ID tokens minted for clientID.
func NewOIDCVerifier(ctx stdctx.Context, issuer, clientID string) (ClaimsVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})

	return func(ctx stdctx.Context, rawToken string) (UserClaims, error) {
		var claims UserClaims
		idToken, err := verifier.Verify(ctx, rawToken)
		if err != nil {
			return claims, err
		}
		err = idToken.Claims(&claims)
		return claims, err
	}, nil
}

func Authentication(logger ectologger.Logger, verify ClaimsVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, span := tracing.StartSpan(c.Request().Context(), "middleware.Authentication")
			defer span.End()

			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				logger.WithContext(ctx).Warn("request is missing bearer token")
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer")
			}

			verifyCtx, cancel := stdctx.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			claims, err := verify(verifyCtx, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				logger.WithContext(ctx).WithError(err).Warn("token is invalid")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Sub == "" {
				logger.WithContext(ctx).Warn("token has no subject")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx = context.SetUserID(ctx, claims.Sub)
			ctx = context.SetUserEmail(ctx, claims.Email)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// HeaderUserID is trusted by HeaderAuthentication.
const HeaderUserID = "X-User-ID"

// HeaderAuthentication takes the user from the X-User-ID header without verifying anything. It is
// only installed when authentication is disabled for local runs.
func HeaderAuthentication(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			userID := strings.TrimSpace(c.Request().Header.Get(HeaderUserID))
			if userID == "" {
				logger.WithContext(ctx).Warn("request is missing user header")
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+HeaderUserID)
			}

			c.SetRequest(c.Request().WithContext(context.SetUserID(ctx, userID)))
			return next(c)
		}
	}
}
