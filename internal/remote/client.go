package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kilupskalvis/tripsync/internal/models"
)

var (
	// ErrCacheMiss is returned by cache-only queries that have nothing cached.
	ErrCacheMiss = errors.New("no cached result")
	// ErrOffline is returned by mutations issued offline without an offline response.
	ErrOffline = errors.New("network is offline")
)

// Payload is one emission of a watched query or subscription.
type Payload struct {
	Data      json.RawMessage
	FromCache bool
	Err       error
}

// MutateOptions controls a mutation. OfflineResponse fabricates the result
// when Network is offline; Update receives the result (real or fabricated)
// and commits it locally.
type MutateOptions struct {
	Network         models.NetworkState
	OfflineResponse func(ctx context.Context) (any, error)
	Update          func(ctx context.Context, data json.RawMessage) error
}

// DataSource is the GraphQL-shaped remote data source.
type DataSource interface {
	Query(ctx context.Context, doc Document, vars any, policy FetchPolicy) (json.RawMessage, error)
	WatchQuery(ctx context.Context, doc Document, vars any, policy FetchPolicy) <-chan Payload
	Mutate(ctx context.Context, doc Document, vars any, opts MutateOptions) (json.RawMessage, error)
	Subscribe(ctx context.Context, doc Document, vars any) (<-chan Payload, error)
}

// HTTPClient talks to a data pod over HTTP and websocket.
type HTTPClient struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewHTTPClient creates a client for the pod at baseURL. A zero timeout
// disables the per-call deadline.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		timeout:    timeout,
		httpClient: &http.Client{},
		dialer:     websocket.DefaultDialer,
	}
}

func (c *HTTPClient) do(ctx context.Context, doc Document, vars any) (json.RawMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := GraphQLRequest{OperationName: doc.Name, Query: doc.Text}
	if vars != nil {
		data, err := json.Marshal(vars)
		if err != nil {
			return nil, fmt.Errorf("marshal variables: %w", err)
		}
		req.Variables = data
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}

	var gqlResp GraphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gqlResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return nil, graphQLError(gqlResp.Errors[0], resp.StatusCode)
	}
	return gqlResp.Data, nil
}

// Query runs doc against the pod. The HTTP client has no cache: every policy
// but cache-only goes to the network.
func (c *HTTPClient) Query(ctx context.Context, doc Document, vars any, policy FetchPolicy) (json.RawMessage, error) {
	if policy == CacheOnly {
		return nil, ErrCacheMiss
	}
	data, err := c.do(ctx, doc, vars)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", doc.Name, err)
	}
	return data, nil
}

// WatchQuery emits the network result once and closes.
func (c *HTTPClient) WatchQuery(ctx context.Context, doc Document, vars any, policy FetchPolicy) <-chan Payload {
	ch := make(chan Payload, 1)
	go func() {
		defer close(ch)
		data, err := c.Query(ctx, doc, vars, policy)
		select {
		case ch <- Payload{Data: data, Err: err}:
		case <-ctx.Done():
		}
	}()
	return ch
}

// Mutate sends doc, or builds the offline response when the network is
// offline, then hands the result to opts.Update.
func (c *HTTPClient) Mutate(ctx context.Context, doc Document, vars any, opts MutateOptions) (json.RawMessage, error) {
	var data json.RawMessage
	if opts.Network.Offline() {
		if opts.OfflineResponse == nil {
			return nil, fmt.Errorf("%s: %w", doc.Name, ErrOffline)
		}
		resp, err := opts.OfflineResponse(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s offline response: %w", doc.Name, err)
		}
		if data, err = json.Marshal(resp); err != nil {
			return nil, fmt.Errorf("%s offline response: %w", doc.Name, err)
		}
	} else {
		var err error
		if data, err = c.do(ctx, doc, vars); err != nil {
			return nil, fmt.Errorf("%s: %w", doc.Name, err)
		}
	}

	if opts.Update != nil {
		if err := opts.Update(ctx, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Subscribe opens a websocket subscription. The channel closes when the
// pod completes the subscription, the connection drops or ctx is done.
func (c *HTTPClient) Subscribe(ctx context.Context, doc Document, vars any) (<-chan Payload, error) {
	u, err := url.Parse(c.baseURL + "/graphql/ws")
	if err != nil {
		return nil, fmt.Errorf("parse pod url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, fmt.Errorf("%s: %w", doc.Name, decodeError(resp))
		}
		return nil, fmt.Errorf("%s: dial: %w", doc.Name, err)
	}

	payload, err := json.Marshal(GraphQLRequest{OperationName: doc.Name, Query: doc.Text, Variables: mustJSON(vars)})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("marshal subscription: %w", err)
	}
	if err := conn.WriteJSON(WSMessage{Type: MessageSubscribe, ID: "1", Payload: payload}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: subscribe: %w", doc.Name, err)
	}

	ch := make(chan Payload)
	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()
	go func() {
		defer close(ch)
		for {
			var msg WSMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			var p Payload
			switch msg.Type {
			case MessageNext:
				var resp GraphQLResponse
				if err := json.Unmarshal(msg.Payload, &resp); err != nil {
					p.Err = fmt.Errorf("decode subscription payload: %w", err)
				} else if len(resp.Errors) > 0 {
					p.Err = graphQLError(resp.Errors[0], http.StatusOK)
				} else {
					p.Data = resp.Data
				}
			case MessageError:
				var errs []GraphQLError
				if err := json.Unmarshal(msg.Payload, &errs); err != nil || len(errs) == 0 {
					p.Err = &RemoteError{Code: "subscription_error", Message: string(msg.Payload), Status: http.StatusOK}
				} else {
					p.Err = graphQLError(errs[0], http.StatusOK)
				}
			case MessageComplete:
				return
			default:
				continue
			}
			select {
			case ch <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Decode unmarshals the "data" field of a query result into T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var out struct {
		Data T `json:"data"`
	}
	if len(raw) == 0 {
		return out.Data, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out.Data, fmt.Errorf("decode data: %w", err)
	}
	return out.Data, nil
}

// DecodePage unmarshals a {data, total} query result.
func DecodePage(raw json.RawMessage) (*OperationsPage, error) {
	var out OperationsPage
	if len(raw) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	if out.Total == 0 {
		out.Total = len(out.Data)
	}
	return &out, nil
}

// QueryInto runs a query and decodes its "data" field.
func QueryInto[T any](ctx context.Context, ds DataSource, doc Document, vars any, policy FetchPolicy) (T, error) {
	raw, err := ds.Query(ctx, doc, vars, policy)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](raw)
}

// RemoteError represents a structured error from the pod.
type RemoteError struct {
	Code    string
	Message string
	Status  int

	// RetryAfter is the delay the pod asked for with a 429 or 503.
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is a pod "not_found" error.
func IsNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && (re.Code == "not_found" || re.Status == http.StatusNotFound)
}

func graphQLError(e GraphQLError, status int) *RemoteError {
	code := e.Extensions["code"]
	if code == "" {
		code = "graphql_error"
	}
	return &RemoteError{Code: code, Message: e.Message, Status: status}
}

func decodeError(resp *http.Response) error {
	re := &RemoteError{Code: "unknown", Message: fmt.Sprintf("HTTP %d", resp.StatusCode), Status: resp.StatusCode}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		re.RetryAfter = time.Duration(secs) * time.Second
	}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		re.Code, re.Message = body.Error, body.Message
	}
	return re
}
