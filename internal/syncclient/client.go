package syncclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marin/pos/internal/models"
)

// Sentinel errors for the error classes the sync engine branches on.
// Permanent mutation rejections are not an error class here: they arrive
// in-band as MutationResponse.Accepted=false on an HTTP 200.
var (
	// ErrNetwork marks transient transport failures: connection errors,
	// timeouts, and 5xx responses. Queued mutations stay pending and are
	// retried on the next sync trigger.
	ErrNetwork      = errors.New("network error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// Client is an HTTP client for the remote data service. It is the only
// place business data crosses the network.
type Client struct {
	BaseURL  string
	Token    string
	DeviceID string
	HTTP     *http.Client
}

// New creates a new client.
func New(baseURL, token, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		Token:    token,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Wire types ---

// MutationRequest is the body for POST /v1/mutations.
type MutationRequest struct {
	ClientMutationID string          `json:"client_mutation_id"`
	DeviceID         string          `json:"device_id"`
	Collection       string          `json:"collection"`
	Operation        string          `json:"operation"`
	RecordID         string          `json:"record_id"`
	Payload          json.RawMessage `json:"payload"`
}

// MutationResponse is the server's verdict on a single mutation.
// Accepted=false with HTTP 200 means the mutation is permanently refused.
type MutationResponse struct {
	Accepted       bool   `json:"accepted"`
	ServerRevision string `json:"server_revision,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	Error          string `json:"error,omitempty"`
}

// WireRecord is a server-confirmed record value as it appears in pull and
// snapshot responses.
type WireRecord struct {
	ID             string         `json:"id"`
	Collection     string         `json:"collection,omitempty"`
	Fields         map[string]any `json:"fields"`
	ServerRevision string         `json:"server_revision"`
	Deleted        bool           `json:"deleted"`
	UpdatedAt      string         `json:"updated_at,omitempty"`
}

// ChangesResponse is the response from GET /v1/changes.
type ChangesResponse struct {
	Records    []WireRecord `json:"records"`
	NextCursor string       `json:"next_cursor"`
	HasMore    bool         `json:"has_more"`
}

// SnapshotResponse is the response from GET /v1/snapshot.
type SnapshotResponse struct {
	Records []WireRecord `json:"records"`
	Cursor  string       `json:"cursor"`
}

// AuthResponse is the response from login and refresh.
type AuthResponse struct {
	Identity models.Identity `json:"identity"`
	Token    string          `json:"token"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// --- Methods ---

// HealthCheck probes server reachability. The network monitor treats a
// successful response as confirmation the device is online.
func (c *Client) HealthCheck() (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth("GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login authenticates with email and password.
func (c *Client) Login(email, password string) (*AuthResponse, error) {
	body := map[string]string{"email": email, "password": password}
	var resp AuthResponse
	if err := c.doNoAuth("POST", "/v1/auth/login", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh exchanges the current token for a fresh one.
func (c *Client) Refresh() (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do("POST", "/v1/auth/refresh", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMutation pushes one queued mutation. The mutation id makes retries
// idempotent: the server deduplicates on it, so a re-send after a
// false-negative timeout has no duplicate effect.
func (c *Client) SendMutation(req *MutationRequest) (*MutationResponse, error) {
	var resp MutationResponse
	if err := c.do("POST", "/v1/mutations", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Changes fetches server-side changes for a collection after the given cursor.
func (c *Client) Changes(collection, since string, limit int) (*ChangesResponse, error) {
	params := url.Values{}
	params.Set("collection", collection)
	params.Set("since", since)
	params.Set("limit", strconv.Itoa(limit))

	var resp ChangesResponse
	if err := c.do("GET", "/v1/changes?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Snapshot fetches the entire current dataset for a collection. Used by
// full sync to (re)seed a device.
func (c *Client) Snapshot(collection, scope string) (*SnapshotResponse, error) {
	params := url.Values{}
	params.Set("collection", collection)
	if scope != "" {
		params.Set("scope", scope)
	}

	var resp SnapshotResponse
	if err := c.do("GET", "/v1/snapshot?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubscribeURL returns the websocket endpoint for realtime change
// notifications on the given collections.
func (c *Client) SubscribeURL(collections []string) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/v1/subscribe"
	q := u.Query()
	for _, col := range collections {
		q.Add("collection", col)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (c *Client) do(method, path string, body, result any) error {
	return c.doRequest(method, path, body, result, true)
}

func (c *Client) doNoAuth(method, path string, body, result any) error {
	return c.doRequest(method, path, body, result, false)
}

func (c *Client) doRequest(method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		// Transport failure or timeout: transient by definition.
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: HTTP %d: %s", ErrNetwork, resp.StatusCode, string(respBody))
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
			case http.StatusNotFound:
				return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
			default:
				return &apiErr
			}
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
