package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
)

// AdminClient manages the device tokens and programs of a pod. It uses the
// pod's admin token and is not a DataSource.
type AdminClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAdminClient warns on stderr when the admin token would travel over
// plain http to anything but a loopback pod.
func NewAdminClient(baseURL, token string) *AdminClient {
	if u, err := url.Parse(baseURL); err == nil && u.Scheme == "http" && !isLoopback(u.Hostname()) {
		fmt.Fprintf(os.Stderr, "warning: admin token sent over unencrypted HTTP to %s\n", u.Host)
	}
	return &AdminClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// AdminToken is a device token as the pod reports it. Token holds the raw
// bearer value and is only set in the response to CreateToken.
type AdminToken struct {
	Token       string     `json:"token,omitempty"`
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Programs    []string   `json:"programs"`
	Permission  string     `json:"permission"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// adminCall sends body as JSON and decodes the reply into a T. A nil body
// sends no payload.
func adminCall[T any](ctx context.Context, c *AdminClient, method, path string, body any) (T, error) {
	var out T
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return out, fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return out, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("pod %s unreachable: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return out, decodeError(resp)
	}
	if resp.ContentLength == 0 {
		return out, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// CreateToken mints a device token on the pod, restricted to programs.
func (c *AdminClient) CreateToken(ctx context.Context, desc string, programs []string, permission string) (*AdminToken, error) {
	body := map[string]any{"description": desc, "programs": programs, "permission": permission}
	tok, err := adminCall[AdminToken](ctx, c, http.MethodPost, "/admin/tokens", body)
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return &tok, nil
}

// ListTokens returns the pod's tokens, oldest first, without their secrets.
func (c *AdminClient) ListTokens(ctx context.Context) ([]AdminToken, error) {
	list, err := adminCall[[]AdminToken](ctx, c, http.MethodGet, "/admin/tokens", nil)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return list, nil
}

func (c *AdminClient) DeleteToken(ctx context.Context, id string) error {
	if _, err := adminCall[struct{}](ctx, c, http.MethodDelete, "/admin/tokens/"+url.PathEscape(id), nil); err != nil {
		return fmt.Errorf("delete token %s: %w", id, err)
	}
	return nil
}

// PutProgram creates or replaces a program and its properties. The program
// id is kept when the label already exists.
func (c *AdminClient) PutProgram(ctx context.Context, label, name string, properties map[string]string) (*models.Program, error) {
	body := map[string]any{"name": name, "properties": properties}
	p, err := adminCall[models.Program](ctx, c, http.MethodPut, "/admin/programs/"+url.PathEscape(label), body)
	if err != nil {
		return nil, fmt.Errorf("put program %s: %w", label, err)
	}
	return &p, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
