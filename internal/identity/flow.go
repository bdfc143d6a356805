package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blockverse/internal/models"

	"golang.org/x/oauth2"
)

// LoginFlow runs the interactive part of a login and yields a raw token.
type LoginFlow interface {
	Authenticate(ctx context.Context) (string, error)
}

// FlowFunc adapts a function to LoginFlow.
type FlowFunc func(ctx context.Context) (string, error)

func (f FlowFunc) Authenticate(ctx context.Context) (string, error) { return f(ctx) }

// DeviceFlow performs an OAuth 2.0 device authorization grant (RFC 8628).
// Prompt is called with the verification URI and user code the person must
// enter; the flow then polls the token endpoint until approval or ctx expiry.
type DeviceFlow struct {
	config *oauth2.Config
	Prompt func(verificationURI, userCode string)
}

// NewDeviceFlow configures a device flow against the given endpoints.
func NewDeviceFlow(clientID, deviceAuthURL, tokenURL string, scopes ...string) (*DeviceFlow, error) {
	if clientID == "" || deviceAuthURL == "" || tokenURL == "" {
		return nil, errors.New("identity: device flow config missing required fields")
	}
	return &DeviceFlow{
		config: &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: deviceAuthURL,
				TokenURL:      tokenURL,
				AuthStyle:     oauth2.AuthStyleInParams,
			},
			Scopes: scopes,
		},
	}, nil
}

// Authenticate returns the id_token when the provider issues one, otherwise
// the access token.
func (d *DeviceFlow) Authenticate(ctx context.Context) (string, error) {
	resp, err := d.config.DeviceAuth(ctx)
	if err != nil {
		return "", fmt.Errorf("identity: device authorization: %w", err)
	}
	if d.Prompt != nil {
		uri := resp.VerificationURIComplete
		if uri == "" {
			uri = resp.VerificationURI
		}
		d.Prompt(uri, resp.UserCode)
	}

	tok, err := d.config.DeviceAccessToken(ctx, resp)
	if err != nil {
		return "", fmt.Errorf("identity: device token: %w", err)
	}
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		return idToken, nil
	}
	if tok.AccessToken == "" {
		return "", errors.New("identity: token response carried no token")
	}
	return tok.AccessToken, nil
}

// LocalFlow mints tokens for a fixed principal. It is the login flow used in
// development when no identity provider is configured.
type LocalFlow struct {
	Principal  models.Principal
	SigningKey []byte
	TTL        time.Duration
}

func (l LocalFlow) Authenticate(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if l.Principal.IsZero() {
		return "", errors.New("identity: local flow has no principal")
	}
	return IssueToken(l.Principal, l.TTL, l.SigningKey)
}
