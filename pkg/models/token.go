package models

import "time"

// TokenSet is the credential blob stored on an integration. Only RefreshToken and Expiry are
// interpreted; everything else is carried through untouched.
type TokenSet struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	Expiry       time.Time      `json:"expiry,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Fresh reports whether the access token has a known expiry more than skew away.
func (t TokenSet) Fresh(skew time.Duration) bool {
	if t.AccessToken == "" || t.Expiry.IsZero() {
		return false
	}
	return time.Until(t.Expiry) > skew
}

func (t TokenSet) CanRefresh() bool {
	return t.RefreshToken != ""
}
