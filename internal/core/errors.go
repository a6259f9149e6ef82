package core

import "errors"

// Errors returned by the synchronization engine. Transport and store errors
// are wrapped together with one of these, so both can be matched with
// errors.Is and errors.As.
var (
	ErrLoadEntity     = errors.New("load entity")
	ErrLoadEntities   = errors.New("load entities")
	ErrSaveEntities   = errors.New("save entities")
	ErrControlEntity  = errors.New("control entity")
	ErrDeleteEntities = errors.New("delete entities")

	// ErrParentOperationNotFound and ErrChildOperationNotFound are raised by
	// the linkage maintainer and recovered by Save.
	ErrParentOperationNotFound = errors.New("parent operation not found")
	ErrChildOperationNotFound  = errors.New("child operation not found")

	ErrSubscribeEntity              = errors.New("subscribe entity")
	ErrSynchronizeEntity            = errors.New("synchronize entity")
	ErrSynchronizeChildBeforeParent = errors.New("child operation synchronized before its parent")

	// ErrImportNotAllowed is informational: the program does not use
	// parent/child operations, so there is nothing to prefetch.
	ErrImportNotAllowed = errors.New("operation import disabled by program")
	ErrImportCancelled  = errors.New("operation import cancelled")

	ErrMissingFilter = errors.New("missing filter")
	ErrNotLocal      = errors.New("not a local entity")
)
