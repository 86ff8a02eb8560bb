// Package identity talks to the OAuth 2.0 device authorization endpoints of
// the identity service (Microsoft identity platform v2.0 layout).
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/mdmkeeper/internal/errs"
	"github.com/and161185/mdmkeeper/internal/model"
)

// DefaultAuthority is the public-cloud login host.
const DefaultAuthority = "https://login.microsoftonline.com"

const (
	deviceCodeGrant = "urn:ietf:params:oauth:grant-type:device_code"
	maxBody         = 1 << 20
	defaultInterval = 5 * time.Second
)

// Poll states that are not terminal for the device flow.
var (
	ErrAuthorizationPending = errors.New("authorization pending")
	ErrSlowDown             = errors.New("slow down")
)

// oidcScopes are always requested so a refresh token and id_token are issued.
var oidcScopes = []string{"offline_access", "openid", "profile"}

// Client calls the devicecode and token endpoints of one authority.
type Client struct {
	authority string
	hc        *http.Client
	now       func() time.Time
}

// New constructs a Client. Empty authority means DefaultAuthority; nil hc means http.DefaultClient.
func New(authority string, hc *http.Client) *Client {
	if strings.TrimSpace(authority) == "" {
		authority = DefaultAuthority
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{authority: strings.TrimRight(authority, "/"), hc: hc, now: time.Now}
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int64  `json:"expires_in"`
	Interval        int64  `json:"interval"`
	Message         string `json:"message"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

type idClaims struct {
	jwt.RegisteredClaims
	OID               string `json:"oid"`
	TID               string `json:"tid"`
	PreferredUsername string `json:"preferred_username"`
}

// RequestDeviceCode starts a device authorization for the given scopes.
func (c *Client) RequestDeviceCode(ctx context.Context, clientID, tenantID string, scopes []string) (model.DeviceCodeChallenge, error) {
	form := url.Values{
		"client_id": {clientID},
		"scope":     {scopeParam(scopes)},
	}
	status, body, err := c.post(ctx, c.endpoint(tenantID, "devicecode"), form)
	if err != nil {
		return model.DeviceCodeChallenge{}, err
	}
	if status != http.StatusOK {
		return model.DeviceCodeChallenge{}, fmt.Errorf("%w: %s", errs.ErrFlowInitFailed, describe(status, body))
	}
	var dc deviceCodeResponse
	if err := json.Unmarshal(body, &dc); err != nil {
		return model.DeviceCodeChallenge{}, fmt.Errorf("%w: decode challenge: %w", errs.ErrFlowInitFailed, err)
	}
	if dc.UserCode == "" || dc.DeviceCode == "" {
		return model.DeviceCodeChallenge{}, fmt.Errorf("%w: response carries no user code", errs.ErrFlowInitFailed)
	}

	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = defaultInterval
	}
	return model.DeviceCodeChallenge{
		DeviceCode:      dc.DeviceCode,
		UserCode:        dc.UserCode,
		VerificationURI: dc.VerificationURI,
		Message:         dc.Message,
		Interval:        interval,
		ExpiresAt:       c.now().Add(time.Duration(dc.ExpiresIn) * time.Second),
	}, nil
}

// PollToken performs one token request for a pending challenge.
// It returns ErrAuthorizationPending or ErrSlowDown while the operator has not finished.
func (c *Client) PollToken(ctx context.Context, clientID, tenantID string, ch model.DeviceCodeChallenge) (model.Credential, error) {
	form := url.Values{
		"grant_type":  {deviceCodeGrant},
		"client_id":   {clientID},
		"device_code": {ch.DeviceCode},
	}
	status, body, err := c.post(ctx, c.endpoint(tenantID, "token"), form)
	if err != nil {
		return model.Credential{}, err
	}
	if status == http.StatusOK {
		return c.credential(body, nil)
	}

	var er errorResponse
	if status >= http.StatusInternalServerError || json.Unmarshal(body, &er) != nil || er.Error == "" {
		return model.Credential{}, fmt.Errorf("%w: token endpoint: %s", errs.ErrNetwork, describe(status, body))
	}
	switch er.Error {
	case "authorization_pending":
		return model.Credential{}, ErrAuthorizationPending
	case "slow_down":
		return model.Credential{}, ErrSlowDown
	case "authorization_declined", "access_denied", "bad_verification_code", "invalid_grant":
		return model.Credential{}, fmt.Errorf("%w: %s", errs.ErrDenied, orDefault(er.Description, er.Error))
	case "expired_token", "code_expired":
		return model.Credential{}, fmt.Errorf("%w: %s", errs.ErrPollTimeout, orDefault(er.Description, er.Error))
	default:
		return model.Credential{}, fmt.Errorf("%w: unexpected token endpoint answer: %s", errs.ErrNetwork, describe(status, body))
	}
}

// RefreshToken redeems a refresh token for a new credential.
func (c *Client) RefreshToken(ctx context.Context, clientID, tenantID, refreshToken string, scopes []string) (model.Credential, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {refreshToken},
		"scope":         {scopeParam(scopes)},
	}
	status, body, err := c.post(ctx, c.endpoint(tenantID, "token"), form)
	if err != nil {
		return model.Credential{}, err
	}
	if status != http.StatusOK {
		return model.Credential{}, fmt.Errorf("%w: refresh: %s", errs.ErrUnauthorized, describe(status, body))
	}
	return c.credential(body, scopes)
}

func (c *Client) credential(body []byte, requested []string) (model.Credential, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return model.Credential{}, fmt.Errorf("%w: decode token response: %w", errs.ErrNetwork, err)
	}
	if tr.AccessToken == "" {
		return model.Credential{}, fmt.Errorf("%w: token response carries no access_token", errs.ErrNetwork)
	}
	scopes := strings.Fields(tr.Scope)
	if len(scopes) == 0 {
		scopes = slices.Clone(requested)
	}
	return model.Credential{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Scopes:       scopes,
		Account:      accountFromIDToken(tr.IDToken),
		ExpiresAt:    c.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// accountFromIDToken reads identity claims. The id_token came straight from
// the token endpoint over TLS, so its signature is not re-verified here.
func accountFromIDToken(raw string) model.Account {
	if raw == "" {
		return model.Account{}
	}
	var claims idClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return model.Account{}
	}
	acc := model.Account{Username: claims.PreferredUsername, TenantID: claims.TID}
	if claims.OID != "" {
		acc.HomeAccountID = claims.OID + "." + claims.TID
	}
	return acc
}

func (c *Client) endpoint(tenantID, name string) string {
	return c.authority + "/" + url.PathEscape(tenantID) + "/oauth2/v2.0/" + name
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("%w: %w", errs.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("%w: read body: %w", errs.ErrNetwork, err)
	}
	return resp.StatusCode, body, nil
}

func scopeParam(scopes []string) string {
	all := slices.Clone(scopes)
	for _, s := range oidcScopes {
		if !slices.Contains(all, s) {
			all = append(all, s)
		}
	}
	return strings.Join(all, " ")
}

func describe(status int, body []byte) string {
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		return fmt.Sprintf("status %d: %s", status, orDefault(er.Description, er.Error))
	}
	return fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(body)))
}

func orDefault(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
