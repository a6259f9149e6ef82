// Package models defines the records exchanged between the local store, the
// remote data source and the synchronization engine: operations, trips and
// their sub-entities, filters and page results.
package models

import "time"

// Entity names. They double as local store collection names and as the keys
// of the per-type local id counters.
const (
	EntityOperation    = "OperationVO"
	EntityTrip         = "TripVO"
	EntityPosition     = "VesselPositionVO"
	EntityMeasurement  = "MeasurementVO"
	EntitySample       = "SampleVO"
	EntityBatch        = "BatchVO"
	EntityPhysicalGear = "PhysicalGearVO"
)

// IsLocalID reports whether id was generated on the device and is not yet
// known to the server.
func IsLocalID(id int64) bool {
	return id < 0
}

// IsNewID reports whether id is the "not yet identified" sentinel.
func IsNewID(id int64) bool {
	return id == 0
}

// IsRemoteID reports whether id was assigned by the server.
func IsRemoteID(id int64) bool {
	return id > 0
}

// Entity is a record stored by id in a typed collection.
type Entity interface {
	EntityName() string
	GetID() int64
	SetID(id int64)
	GetUpdateDate() *time.Time
	// SortValue returns the value of the named field used for ordering, or nil.
	SortValue(field string) any
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}

// Time returns a pointer to t.
func Time(t time.Time) *time.Time {
	return &t
}

// SameInt64 reports whether two optional ids hold the same value.
func SameInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// SameTime reports whether two optional instants are equal.
func SameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
