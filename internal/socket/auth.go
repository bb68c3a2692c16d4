package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Authenticator resolves an auth frame token into a user identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID, orgID string, err error)
}

// StaticAuthenticator treats the token as the user ID. Development and test
// deployments only; production uses WorkOS.
type StaticAuthenticator struct{}

var _ Authenticator = StaticAuthenticator{}

// Authenticate implements Authenticator.
func (StaticAuthenticator) Authenticate(_ context.Context, token string) (string, string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "", fmt.Errorf("socket: empty auth token")
	}
	return token, "", nil
}

// workosBaseURL is the WorkOS API root.
const workosBaseURL = "https://api.workos.com"

// WorkOSAuthenticator verifies WorkOS access tokens by resolving the session
// user through the user management API.
type WorkOSAuthenticator struct {
	clientID string
	baseURL  string
	client   *http.Client
}

var _ Authenticator = (*WorkOSAuthenticator)(nil)

// WorkOSOption configures a WorkOSAuthenticator.
type WorkOSOption func(*WorkOSAuthenticator)

// WithWorkOSBaseURL overrides the API root. Tests point it at a local server.
func WithWorkOSBaseURL(url string) WorkOSOption {
	return func(a *WorkOSAuthenticator) { a.baseURL = url }
}

// WithWorkOSHTTPClient overrides the HTTP client.
func WithWorkOSHTTPClient(c *http.Client) WorkOSOption {
	return func(a *WorkOSAuthenticator) { a.client = c }
}

// NewWorkOSAuthenticator creates the production authenticator.
func NewWorkOSAuthenticator(clientID string, opts ...WorkOSOption) *WorkOSAuthenticator {
	a := &WorkOSAuthenticator{
		clientID: clientID,
		baseURL:  workosBaseURL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Authenticate implements Authenticator. The access token is presented as a
// bearer credential; WorkOS returns the user and organization it belongs to.
func (a *WorkOSAuthenticator) Authenticate(ctx context.Context, token string) (string, string, error) {
	if strings.TrimSpace(token) == "" {
		return "", "", fmt.Errorf("socket: empty auth token")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/user_management/users/me", nil)
	if err != nil {
		return "", "", fmt.Errorf("socket: workos request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-WorkOS-Client-Id", a.clientID)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("socket: workos auth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("socket: workos auth: status %d", resp.StatusCode)
	}

	var body struct {
		ID             string `json:"id"`
		OrganizationID string `json:"organization_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("socket: workos auth: decode: %w", err)
	}
	if body.ID == "" {
		return "", "", fmt.Errorf("socket: workos auth: no user in response")
	}
	return body.ID, body.OrganizationID, nil
}
