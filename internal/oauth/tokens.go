package oauth

import (
	"time"

	"golang.org/x/oauth2"
)

// expiryDelta treats tokens this close to expiry as already expired, so a
// token is never handed out just before the provider rejects it
const expiryDelta = 10 * time.Second

// Tokens is the token endpoint response kept with a site session
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

// Expired reports whether the access token has expired at now. Tokens
// without an expiry never expire.
func (t *Tokens) Expired(now time.Time) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Add(expiryDelta).Before(t.Expiry)
}

// CanRefresh reports whether a refresh token is available
func (t *Tokens) CanRefresh() bool {
	return t.RefreshToken != ""
}

func tokensFromOAuth2(tok *oauth2.Token) *Tokens {
	t := &Tokens{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		ExpiresIn:    tok.ExpiresIn,
		Expiry:       tok.Expiry,
		RefreshToken: tok.RefreshToken,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		t.Scope = scope
	}
	return t
}
