package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/syncerr"
)

// OAuthConfig is the per-provider client registration. AuthURL and TokenURL override the provider
// defaults.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
}

func (c OAuthConfig) build(endpoint oauth2.Endpoint, defaultScopes []string) *oauth2.Config {
	if c.AuthURL != "" {
		endpoint.AuthURL = c.AuthURL
	}
	if c.TokenURL != "" {
		endpoint.TokenURL = c.TokenURL
	}
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}

// Refresh failures whose error code or body carries one of these mean the grant is gone.
var permanentRefreshMarkers = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
	"token has been expired or revoked",
	"revoked",
}

// oauthFlow implements the auth half of Adapter on top of x/oauth2.
type oauthFlow struct {
	provider   models.Provider
	config     *oauth2.Config
	httpClient *http.Client
	authOpts   []oauth2.AuthCodeOption
}

func (f *oauthFlow) AuthURL(state string) string {
	return f.config.AuthCodeURL(state, f.authOpts...)
}

func (f *oauthFlow) ExchangeCode(ctx context.Context, code string) (*models.TokenSet, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty authorization code", syncerr.ErrAuthExchangeFailed)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	token, err := f.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", syncerr.ErrAuthExchangeFailed, f.provider, err)
	}
	return tokenSetFromOAuth(token, ""), nil
}

func (f *oauthFlow) Refresh(ctx context.Context, refreshToken string) (*models.TokenSet, error) {
	if refreshToken == "" {
		return nil, &syncerr.RefreshError{Provider: string(f.provider), Permanent: true, Cause: errors.New("no refresh token stored")}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	token, err := f.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, &syncerr.RefreshError{Provider: string(f.provider), Permanent: isPermanentRefreshFailure(err), Cause: err}
	}
	return tokenSetFromOAuth(token, refreshToken), nil
}

func isPermanentRefreshFailure(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}

	haystack := strings.ToLower(retrieveErr.ErrorCode + " " + retrieveErr.ErrorDescription + " " + string(retrieveErr.Body))
	for _, marker := range permanentRefreshMarkers {
		if strings.Contains(haystack, marker) {
			return true
		}
	}
	return false
}

// tokenSetFromOAuth keeps previousRefresh when the provider did not rotate the refresh token.
func tokenSetFromOAuth(token *oauth2.Token, previousRefresh string) *models.TokenSet {
	set := &models.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry.UTC(),
	}
	if set.RefreshToken == "" {
		set.RefreshToken = previousRefresh
	}
	if scope, ok := token.Extra("scope").(string); ok {
		set.Scope = scope
	}
	if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
		set.Extra = map[string]any{"id_token": idToken}
	}
	return set
}
