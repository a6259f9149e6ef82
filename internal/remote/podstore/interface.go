// Package podstore provides the server-side storage of a data pod: trips,
// operations and programs identified by server-assigned (positive) ids.
package podstore

import (
	"context"
	"errors"

	"github.com/kilupskalvis/tripsync/internal/models"
)

// Sentinel errors for expected conditions.
var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid entity")
)

// ListOptions selects a page of operations.
type ListOptions struct {
	Page     models.Page
	Filter   *models.OperationFilter
	WithTrip bool
}

// PodStore defines the contract for pod persistence.
type PodStore interface {
	// Operations
	GetOperation(ctx context.Context, id int64) (*models.Operation, error)
	ListOperations(ctx context.Context, opts ListOptions) (*models.LoadResult[*models.Operation], error)
	SaveOperations(ctx context.Context, ops []*models.Operation) ([]*models.Operation, error)
	ControlOperation(ctx context.Context, op *models.Operation) (*models.Operation, error)
	DeleteOperations(ctx context.Context, ids []int64) ([]int64, error)

	// Trips
	GetTrip(ctx context.Context, id int64) (*models.Trip, error)
	SaveTrip(ctx context.Context, trip *models.Trip, withOperations bool) (*models.Trip, error)
	DeleteTrips(ctx context.Context, ids []int64) error

	// Programs
	GetProgram(ctx context.Context, label string) (*models.Program, error)
	PutProgram(ctx context.Context, p *models.Program) error

	// Close releases resources.
	Close() error
}
