package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func graphqlStub(t *testing.T, fn func(req GraphQLRequest) GraphQLResponse) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/graphql" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(ErrorResponse{Error: "not_found", Message: r.URL.Path})
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(ErrorResponse{Error: "unauthorized", Message: "bad token"})
			return
		}
		var req GraphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(fn(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClient_Query(t *testing.T) {
	srv := graphqlStub(t, func(req GraphQLRequest) GraphQLResponse {
		assert.Equal(t, "LoadOperation", req.OperationName)
		var vars IDVars
		require.NoError(t, json.Unmarshal(req.Variables, &vars))
		return GraphQLResponse{Data: json.RawMessage(`{"data":{"id":42,"tripId":7}}`)}
	})
	c := NewHTTPClient(srv.URL, "secret", time.Second)

	op, err := QueryInto[*models.Operation](context.Background(), c, LoadOperation, IDVars{ID: 42}, NetworkOnly)
	require.NoError(t, err)
	assert.Equal(t, int64(42), op.ID)
	assert.Equal(t, int64(7), op.TripID)
}

func TestHTTPClient_GraphQLErrorMapsToRemoteError(t *testing.T) {
	srv := graphqlStub(t, func(req GraphQLRequest) GraphQLResponse {
		return GraphQLResponse{Errors: []GraphQLError{{Message: "operation 9 not found", Extensions: map[string]string{"code": "not_found"}}}}
	})
	c := NewHTTPClient(srv.URL, "secret", time.Second)

	_, err := c.Query(context.Background(), LoadOperation, IDVars{ID: 9}, NetworkOnly)
	require.Error(t, err)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "not_found", re.Code)
	assert.True(t, IsNotFound(err))
	assert.False(t, isTransient(err))
}

func TestHTTPClient_Unauthorized(t *testing.T) {
	srv := graphqlStub(t, func(GraphQLRequest) GraphQLResponse { return GraphQLResponse{} })
	c := NewHTTPClient(srv.URL, "wrong", time.Second)

	_, err := c.Query(context.Background(), LoadOperation, IDVars{ID: 1}, NetworkOnly)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusUnauthorized, re.Status)
}

func TestHTTPClient_CacheOnlyMisses(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", "secret", time.Second)
	_, err := c.Query(context.Background(), LoadOperation, IDVars{ID: 1}, CacheOnly)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestHTTPClient_MutateOnlineRunsUpdate(t *testing.T) {
	srv := graphqlStub(t, func(req GraphQLRequest) GraphQLResponse {
		return GraphQLResponse{Data: json.RawMessage(`{"data":[{"id":100}]}`)}
	})
	c := NewHTTPClient(srv.URL, "secret", time.Second)

	var updated []*models.Operation
	_, err := c.Mutate(context.Background(), SaveOperations, SaveOperationsVars{}, MutateOptions{
		OfflineResponse: func(context.Context) (any, error) {
			t.Fatal("offline response used while online")
			return nil, nil
		},
		Update: func(_ context.Context, data json.RawMessage) error {
			var err error
			updated, err = Decode[[]*models.Operation](data)
			return err
		},
	})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, int64(100), updated[0].ID)
}

func TestHTTPClient_MutateOfflineUsesOfflineResponse(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", "secret", time.Second)

	var updated []*models.Operation
	_, err := c.Mutate(context.Background(), SaveOperations, nil, MutateOptions{
		Network: models.NetworkOffline,
		OfflineResponse: func(context.Context) (any, error) {
			return map[string]any{"data": []*models.Operation{{ID: -3}}}, nil
		},
		Update: func(_ context.Context, data json.RawMessage) error {
			var err error
			updated, err = Decode[[]*models.Operation](data)
			return err
		},
	})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, int64(-3), updated[0].ID)
}

func TestHTTPClient_MutateOfflineWithoutResponse(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", "secret", time.Second)
	_, err := c.Mutate(context.Background(), DeleteOperations, IDsVars{IDs: []int64{1}}, MutateOptions{Network: models.NetworkOffline})
	assert.ErrorIs(t, err, ErrOffline)
}

func TestDecodePage_TotalDefaultsToLength(t *testing.T) {
	page, err := DecodePage(json.RawMessage(`{"data":[{"id":1},{"id":2}]}`))
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}
