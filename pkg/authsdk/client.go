package authsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	TokenPath  = "/connect/token"
	LogoutPath = "/connect/logout"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// PasswordGrant exchanges resource owner credentials for a token pair. otp
// is only needed for identities enrolled in TOTP.
func (c *Client) PasswordGrant(ctx context.Context, username, password, otp string, scopes ...string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
	}
	if otp != "" {
		form.Set("otp", otp)
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	return c.token(ctx, form)
}

// RefreshGrant redeems refreshToken. The old token is dead once this
// returns successfully; use the refresh token in the response.
func (c *Client) RefreshGrant(ctx context.Context, refreshToken string, scopes ...string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	return c.token(ctx, form)
}

// Logout revokes refreshToken. Revoking an unknown or revoked token succeeds.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.do(ctx, http.MethodPost, LogoutPath, "", formBody(url.Values{"refresh_token": {refreshToken}}), nil)
}

func (c *Client) UserInfo(ctx context.Context, accessToken string) (*UserInfoResponse, error) {
	var out UserInfoResponse
	if err := c.do(ctx, http.MethodGet, "/v1/userinfo", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateIdentity(ctx context.Context, accessToken string, req CreateIdentityRequest) (*IdentityResponse, error) {
	var out IdentityResponse
	if err := c.do(ctx, http.MethodPost, "/v1/admin/identities", accessToken, jsonBody(req), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UnlockIdentity(ctx context.Context, accessToken, username string) (*IdentityResponse, error) {
	var out IdentityResponse
	path := "/v1/admin/identities/" + url.PathEscape(username) + "/unlock"
	if err := c.do(ctx, http.MethodPost, path, accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LogoutEverywhere revokes every live refresh token held by username.
func (c *Client) LogoutEverywhere(ctx context.Context, accessToken, username string) (int, error) {
	var out RevokedResponse
	path := "/v1/admin/identities/" + url.PathEscape(username) + "/logout"
	if err := c.do(ctx, http.MethodPost, path, accessToken, nil, &out); err != nil {
		return 0, err
	}
	return out.Revoked, nil
}

func (c *Client) SigningKeys(ctx context.Context, accessToken string) (*SigningKeysResponse, error) {
	var out SigningKeysResponse
	if err := c.do(ctx, http.MethodGet, "/v1/admin/keys", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RotateSigningKey(ctx context.Context, accessToken string) (*SigningKeysResponse, error) {
	var out SigningKeysResponse
	if err := c.do(ctx, http.MethodPost, "/v1/admin/keys/rotate", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RetireSigningKey limits trust in a non-active key to the server's
// overlap window.
func (c *Client) RetireSigningKey(ctx context.Context, accessToken, kid string) (*SigningKeysResponse, error) {
	var out SigningKeysResponse
	path := "/v1/admin/keys/" + url.PathEscape(kid) + "/retire"
	if err := c.do(ctx, http.MethodPost, path, accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Liveness(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/livez", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) token(ctx context.Context, form url.Values) (*TokenResponse, error) {
	var out TokenResponse
	if err := c.do(ctx, http.MethodPost, TokenPath, "", formBody(form), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type body struct {
	contentType string
	r           io.Reader
}

func formBody(v url.Values) *body {
	return &body{"application/x-www-form-urlencoded", strings.NewReader(v.Encode())}
}

func jsonBody(v any) *body {
	b, _ := json.Marshal(v)
	return &body{"application/json", bytes.NewReader(b)}
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in *body, out any) error {
	var r io.Reader
	if in != nil {
		r = in.r
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return fmt.Errorf("authsdk: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", in.contentType)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("authsdk: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("authsdk: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("authsdk: decode response: %w", err)
	}
	return nil
}
