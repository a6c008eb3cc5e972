// Package auth supplies credentials for the Log Analytics query API.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	// DemoWorkspace is the well-known workspace id that selects the
	// static test credential instead of ambient Azure credentials.
	DemoWorkspace = "DEMO_WORKSPACE"

	demoKey       = "DEMO_KEY"
	demoKeyHeader = "X-Api-Key"

	defaultAuthority = "https://login.microsoftonline.com"

	// tokenSlack refreshes tokens early so an in-flight request never
	// carries a token that expires mid-call.
	tokenSlack = 2 * time.Minute
)

// Credential attaches authentication to outgoing query requests.
type Credential interface {
	// Authorize adds credentials for the given scopes to the request.
	Authorize(ctx context.Context, req *http.Request, scopes ...string) error
	// Token returns a bearer token for the given scopes. Credentials
	// that authenticate via headers instead of tokens return an error.
	Token(ctx context.Context, scopes ...string) (string, error)
}

// For picks the credential for a workspace: the demo workspace gets the
// static test key, anything else gets a client-credentials token source
// built from the ambient AZURE_* environment.
func For(workspaceID string) (Credential, error) {
	if workspaceID == DemoWorkspace {
		return &StaticKeyCredential{key: demoKey}, nil
	}
	return NewClientCredential(
		os.Getenv("AZURE_TENANT_ID"),
		os.Getenv("AZURE_CLIENT_ID"),
		os.Getenv("AZURE_CLIENT_SECRET"),
	)
}

// StaticKeyCredential authenticates with a fixed API key header. It is
// only used against the demo workspace and never issues tokens.
type StaticKeyCredential struct {
	key string
}

func (c *StaticKeyCredential) Authorize(_ context.Context, req *http.Request, _ ...string) error {
	req.Header.Set(demoKeyHeader, c.key)
	return nil
}

func (c *StaticKeyCredential) Token(_ context.Context, _ ...string) (string, error) {
	return "", fmt.Errorf("static key credential does not issue tokens")
}

// ClientCredential acquires AAD bearer tokens via the OAuth2
// client-credentials flow and caches them until close to expiry.
type ClientCredential struct {
	tenantID     string
	clientID     string
	clientSecret string
	authority    string
	client       *http.Client

	mu      sync.Mutex
	token   string
	scope   string
	expires time.Time
}

func NewClientCredential(tenantID, clientID, clientSecret string) (*ClientCredential, error) {
	if tenantID == "" || clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("AZURE_TENANT_ID, AZURE_CLIENT_ID and AZURE_CLIENT_SECRET are required")
	}
	return &ClientCredential{
		tenantID:     tenantID,
		clientID:     clientID,
		clientSecret: clientSecret,
		authority:    defaultAuthority,
		client:       &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *ClientCredential) Authorize(ctx context.Context, req *http.Request, scopes ...string) error {
	token, err := c.Token(ctx, scopes...)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *ClientCredential) Token(ctx context.Context, scopes ...string) (string, error) {
	scope := strings.Join(scopes, " ")

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.scope == scope && time.Now().Before(c.expires.Add(-tokenSlack)) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {scope},
	}
	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.authority, c.tenantID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp tokenError
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return "", fmt.Errorf("token error %d: %s — %s", resp.StatusCode, errResp.Error, errResp.ErrorDescription)
		}
		return "", fmt.Errorf("token error %d: %s", resp.StatusCode, string(body))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("unmarshal token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("empty access token in response")
	}

	c.token = tok.AccessToken
	c.scope = scope
	c.expires = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.token, nil
}
