// Package remote is the GraphQL-shaped remote data source of tripsync: the
// documents understood by a data pod, the wire types, an HTTP/websocket
// client and the cache and retry decorators layered on top of it.
package remote

import (
	"encoding/json"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/mitchellh/hashstructure/v2"
)

// GraphQLRequest is the body POSTed to /graphql.
type GraphQLRequest struct {
	OperationName string          `json:"operationName"`
	Query         string          `json:"query"`
	Variables     json.RawMessage `json:"variables,omitempty"`
}

// GraphQLResponse is the body returned by /graphql.
type GraphQLResponse struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// GraphQLError is one resolver error.
type GraphQLError struct {
	Message    string            `json:"message"`
	Extensions map[string]string `json:"extensions,omitempty"`
}

// ErrorResponse is the structured error format returned for HTTP-level failures.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// Websocket message types of the subscription protocol.
const (
	MessageSubscribe = "subscribe"
	MessageNext      = "next"
	MessageError     = "error"
	MessageComplete  = "complete"
)

// WSMessage is one frame of the /graphql/ws subscription protocol.
type WSMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IDVars addresses one entity.
type IDVars struct {
	ID int64 `json:"id"`
}

// IDsVars addresses several entities.
type IDsVars struct {
	IDs []int64 `json:"ids"`
}

// LabelVars addresses an entity by label.
type LabelVars struct {
	Label string `json:"label"`
}

// LoadOperationsVars are the variables of the operation list queries.
type LoadOperationsVars struct {
	Offset        int                     `json:"offset"`
	Size          int                     `json:"size"`
	SortBy        string                  `json:"sortBy"`
	SortDirection models.SortDirection    `json:"sortDirection"`
	Filter        *models.OperationFilter `json:"filter,omitempty"`
	Trash         bool                    `json:"trash,omitempty"`
}

// Hash keys the variables in the query cache.
func (v *LoadOperationsVars) Hash() (uint64, error) {
	fh, err := v.Filter.Hash()
	if err != nil {
		return 0, err
	}
	return hashstructure.Hash(struct {
		Offset        int
		Size          int
		SortBy        string
		SortDirection string
		Filter        uint64
		Trash         bool
	}{v.Offset, v.Size, v.SortBy, string(v.SortDirection), fh, v.Trash}, hashstructure.FormatV2, nil)
}

// OperationsPage is the result of the operation list queries.
type OperationsPage = models.LoadResult[*models.Operation]

// SaveOperationsVars carries operations to create or update.
type SaveOperationsVars struct {
	Data []*models.Operation `json:"data"`
}

// OperationVars carries one operation.
type OperationVars struct {
	Data *models.Operation `json:"data"`
}

// SubscribeOperationVars subscribes to the changes of one operation.
type SubscribeOperationVars struct {
	ID       int64 `json:"id"`
	Interval int   `json:"interval"`
}

// SaveTripVars carries a trip, optionally with its operations.
type SaveTripVars struct {
	Trip           *models.Trip `json:"trip"`
	WithOperations bool         `json:"withOperations,omitempty"`
}
