package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/remote"
	"github.com/kilupskalvis/tripsync/internal/remote/podstore"
)

// resolveError is reported in the "errors" list of a GraphQL response.
type resolveError struct {
	code    string
	message string
}

func (e *resolveError) Error() string { return e.code + ": " + e.message }

var errForbidden = &resolveError{code: "forbidden", message: "read-only token cannot perform mutations"}

// dataResult is the shape of every single-value result.
type dataResult struct {
	Data any `json:"data"`
}

// resolver answers the named GraphQL documents of remote.
type resolver struct {
	pod    podstore.PodStore
	cfg    *ServerConfig
	logger *slog.Logger
}

func (res *resolver) serveHTTP(w http.ResponseWriter, r *http.Request) {
	var req remote.GraphQLRequest
	if err := readJSON(r, res.cfg.MaxRequestBody, &req); err != nil {
		apiError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	result, err := res.resolve(r.Context(), req)
	if err != nil {
		gqlErr := toGraphQLError(err)
		if gqlErr.Extensions["code"] == "internal_error" {
			res.logger.Error("resolve", "operation", req.OperationName, "error", err, "request_id", requestInfoFrom(r.Context()).id)
		}
		writeJSON(w, http.StatusOK, remote.GraphQLResponse{Errors: []remote.GraphQLError{gqlErr}})
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		apiError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, remote.GraphQLResponse{Data: data})
}

func toGraphQLError(err error) remote.GraphQLError {
	var re *resolveError
	switch {
	case errors.As(err, &re):
		return remote.GraphQLError{Message: re.message, Extensions: map[string]string{"code": re.code}}
	case errors.Is(err, podstore.ErrNotFound):
		return remote.GraphQLError{Message: err.Error(), Extensions: map[string]string{"code": "not_found"}}
	case errors.Is(err, podstore.ErrInvalid):
		return remote.GraphQLError{Message: err.Error(), Extensions: map[string]string{"code": "bad_request"}}
	default:
		return remote.GraphQLError{Message: err.Error(), Extensions: map[string]string{"code": "internal_error"}}
	}
}

func decodeVars[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &resolveError{code: "bad_request", message: fmt.Sprintf("invalid variables: %v", err)}
	}
	return v, nil
}

func (res *resolver) resolve(ctx context.Context, req remote.GraphQLRequest) (any, error) {
	switch req.OperationName {
	case remote.LoadOperation.Name:
		vars, err := decodeVars[remote.IDVars](req.Variables)
		if err != nil {
			return nil, err
		}
		op, err := res.pod.GetOperation(ctx, vars.ID)
		if err != nil {
			return nil, err
		}
		return dataResult{Data: op}, nil

	case remote.LoadOperations.Name, remote.LoadOperationsWithTotal.Name, remote.LoadAllWithTripAndTotal.Name:
		vars, err := decodeVars[remote.LoadOperationsVars](req.Variables)
		if err != nil {
			return nil, err
		}
		return res.listOperations(ctx, req.OperationName, vars)

	case remote.SaveOperations.Name:
		if !canWrite(ctx) {
			return nil, errForbidden
		}
		vars, err := decodeVars[remote.SaveOperationsVars](req.Variables)
		if err != nil {
			return nil, err
		}
		saved, err := res.pod.SaveOperations(ctx, vars.Data)
		if err != nil {
			return nil, err
		}
		res.cfg.Webhooks.NotifyOperations(EventOperationsSaved, operationIDs(saved), nil)
		return dataResult{Data: saved}, nil

	case remote.ControlOperation.Name:
		if !canWrite(ctx) {
			return nil, errForbidden
		}
		vars, err := decodeVars[remote.OperationVars](req.Variables)
		if err != nil {
			return nil, err
		}
		op, err := res.pod.ControlOperation(ctx, vars.Data)
		if err != nil {
			return nil, err
		}
		res.cfg.Webhooks.NotifyOperations(EventOperationsSaved, []int64{op.ID}, nil)
		return dataResult{Data: op}, nil

	case remote.DeleteOperations.Name:
		if !canWrite(ctx) {
			return nil, errForbidden
		}
		vars, err := decodeVars[remote.IDsVars](req.Variables)
		if err != nil {
			return nil, err
		}
		deleted, err := res.pod.DeleteOperations(ctx, vars.IDs)
		if err != nil {
			return nil, err
		}
		res.cfg.Webhooks.NotifyOperations(EventOperationsDeleted, deleted, nil)
		return dataResult{Data: deleted}, nil

	case remote.LoadTrip.Name:
		vars, err := decodeVars[remote.IDVars](req.Variables)
		if err != nil {
			return nil, err
		}
		trip, err := res.pod.GetTrip(ctx, vars.ID)
		if err != nil {
			return nil, err
		}
		if !canReadProgram(ctx, trip.ProgramLabel) {
			return nil, &resolveError{code: "forbidden", message: "no access to program " + trip.ProgramLabel}
		}
		return dataResult{Data: trip}, nil

	case remote.SaveTrip.Name:
		if !canWrite(ctx) {
			return nil, errForbidden
		}
		vars, err := decodeVars[remote.SaveTripVars](req.Variables)
		if err != nil {
			return nil, err
		}
		trip, err := res.pod.SaveTrip(ctx, vars.Trip, vars.WithOperations)
		if err != nil {
			return nil, err
		}
		res.cfg.Webhooks.NotifyOperations(EventOperationsSaved, operationIDs(trip.Operations), []int64{trip.ID})
		return dataResult{Data: trip}, nil

	case remote.DeleteTrips.Name:
		if !canWrite(ctx) {
			return nil, errForbidden
		}
		vars, err := decodeVars[remote.IDsVars](req.Variables)
		if err != nil {
			return nil, err
		}
		if err := res.pod.DeleteTrips(ctx, vars.IDs); err != nil {
			return nil, err
		}
		return dataResult{Data: vars.IDs}, nil

	case remote.LoadProgram.Name:
		vars, err := decodeVars[remote.LabelVars](req.Variables)
		if err != nil {
			return nil, err
		}
		if !canReadProgram(ctx, vars.Label) {
			return nil, &resolveError{code: "forbidden", message: "no access to program " + vars.Label}
		}
		p, err := res.pod.GetProgram(ctx, vars.Label)
		if err != nil {
			return nil, err
		}
		return dataResult{Data: p}, nil
	}

	return nil, &resolveError{code: "unknown_operation", message: fmt.Sprintf("unknown operation %q", req.OperationName)}
}

func (res *resolver) listOperations(ctx context.Context, name string, vars remote.LoadOperationsVars) (any, error) {
	if vars.Filter != nil && !canReadProgram(ctx, vars.Filter.ProgramLabel) {
		return nil, &resolveError{code: "forbidden", message: "no access to program " + vars.Filter.ProgramLabel}
	}

	page := &models.LoadResult[*models.Operation]{Data: []*models.Operation{}}
	// The pod keeps no trash: deleted operations are gone.
	if !vars.Trash {
		var err error
		page, err = res.pod.ListOperations(ctx, podstore.ListOptions{
			Page: models.Page{
				Offset:        vars.Offset,
				Size:          vars.Size,
				SortBy:        vars.SortBy,
				SortDirection: vars.SortDirection,
			},
			Filter:   vars.Filter,
			WithTrip: name == remote.LoadAllWithTripAndTotal.Name,
		})
		if err != nil {
			return nil, err
		}
	}

	if name == remote.LoadOperations.Name {
		return dataResult{Data: page.Data}, nil
	}
	return page, nil
}

func operationIDs(ops []*models.Operation) []int64 {
	ids := make([]int64, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	return ids
}
