package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sleepy-project/statussync/internal/status"
)

const (
	defaultQueryPath = "/api/query"
	loginPath        = "/api/auth/login"
	setStatusPath    = "/api/status/"

	// TokenHeader carries an access token on authenticated requests
	TokenHeader    = "X-Sleepy-Token"
	clientIDHeader = "X-Client-Id"
)

// APIClient talks to the request/response side of the status backend
type APIClient struct {
	baseURL    string
	queryPath  string
	clientID   string
	httpClient *http.Client
	retry      RetryConfig
	log        *logrus.Entry
	now        func() time.Time
}

// APIOptions configure an APIClient
type APIOptions struct {
	QueryPath string
	ClientID  string
	Timeout   time.Duration
	Retry     RetryConfig
}

// Tokens is the result of a successful login
type Tokens struct {
	Token        string  `json:"token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresAt    float64 `json:"expires_at,omitempty"`
	Type         string  `json:"type,omitempty"`
}

// APIError is a non-success HTTP response from the backend
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status API returned %d: %s", e.StatusCode, e.Body)
}

// NewAPIClient creates a new status API client
func NewAPIClient(baseURL string, opts APIOptions, log *logrus.Entry) *APIClient {
	if opts.QueryPath == "" {
		opts.QueryPath = defaultQueryPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryConfig()
	}

	return &APIClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		queryPath:  opts.QueryPath,
		clientID:   opts.ClientID,
		httpClient: &http.Client{Timeout: opts.Timeout},
		retry:      opts.Retry,
		log:        log,
		now:        time.Now,
	}
}

// Query fetches the current status snapshot and any backend-supplied
// settings, retrying transient failures.
func (c *APIClient) Query(ctx context.Context) (status.Snapshot, status.Settings, error) {
	return c.query(ctx, c.retry)
}

// QueryOnce is Query with a single attempt
func (c *APIClient) QueryOnce(ctx context.Context) (status.Snapshot, status.Settings, error) {
	return c.query(ctx, RetryConfig{MaxAttempts: 1})
}

func (c *APIClient) query(ctx context.Context, retry RetryConfig) (status.Snapshot, status.Settings, error) {
	body, err := c.doRequest(ctx, retry, http.MethodGet, c.queryPath, nil, "")
	if err != nil {
		return status.Snapshot{}, status.Settings{}, fmt.Errorf("querying status: %w", err)
	}

	snap, settings, err := status.Decode(body, c.now())
	if err != nil {
		return status.Snapshot{}, status.Settings{}, fmt.Errorf("parsing status: %w", err)
	}

	c.log.WithField("devices", len(snap.Devices)).Debug("fetched status snapshot")
	return snap, settings, nil
}

// Login exchanges the panel password for access tokens. When hashed is
// false the backend hashes the password itself.
func (c *APIClient) Login(ctx context.Context, password string, hashed bool) (Tokens, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"password": password,
		"type":     "web",
		"hashed":   hashed,
	})
	if err != nil {
		return Tokens{}, fmt.Errorf("marshaling login request: %w", err)
	}

	body, err := c.doRequest(ctx, c.retry, http.MethodPost, loginPath, payload, "")
	if err != nil {
		return Tokens{}, fmt.Errorf("logging in: %w", err)
	}

	var tokens Tokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return Tokens{}, fmt.Errorf("parsing login response: %w", err)
	}
	return tokens, nil
}

// SetStatus changes the user's status. Requires a token from Login.
func (c *APIClient) SetStatus(ctx context.Context, token string, s status.Status) error {
	if s == status.StatusUnknown {
		return fmt.Errorf("cannot set status %q", s)
	}

	payload, err := json.Marshal(map[string]int{"status": s.Wire()})
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}

	if _, err := c.doRequest(ctx, c.retry, http.MethodPost, setStatusPath, payload, token); err != nil {
		return fmt.Errorf("setting status: %w", err)
	}

	c.log.WithField("status", s.String()).Info("status updated")
	return nil
}

func (c *APIClient) doRequest(ctx context.Context, retry RetryConfig, method, path string, body []byte, token string) ([]byte, error) {
	var respBody []byte

	retryErr := WithRetry(ctx, retry, func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return permanent(fmt.Errorf("creating request: %w", err))
		}

		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set(TokenHeader, token)
		}
		if c.clientID != "" {
			req.Header.Set(clientIDHeader, c.clientID)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return permanent(ErrUnauthorized)
		}
		if IsRetryableHTTPStatus(resp.StatusCode) {
			return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		if resp.StatusCode >= 400 {
			return permanent(&APIError{StatusCode: resp.StatusCode, Body: string(respBody)})
		}

		return nil
	})

	if retryErr != nil {
		return nil, retryErr
	}
	return respBody, nil
}
