package models

import (
	"slices"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// BoundingBox is a lat/lon rectangle.
type BoundingBox struct {
	MinLatitude  float64 `json:"minLatitude"`
	MinLongitude float64 `json:"minLongitude"`
	MaxLatitude  float64 `json:"maxLatitude"`
	MaxLongitude float64 `json:"maxLongitude"`
}

// Valid reports whether the box has a non-empty extent.
func (b *BoundingBox) Valid() bool {
	return b != nil && b.MinLatitude < b.MaxLatitude && b.MinLongitude < b.MaxLongitude
}

// Contains reports whether p lies inside the box, edges included.
func (b *BoundingBox) Contains(p *VesselPosition) bool {
	return p != nil &&
		p.Latitude >= b.MinLatitude && p.Latitude <= b.MaxLatitude &&
		p.Longitude >= b.MinLongitude && p.Longitude <= b.MaxLongitude
}

// OperationFilter selects operations. The same filter is evaluated in memory
// against the local store (Predicate) and sent to the pod (AsPodObject).
type OperationFilter struct {
	TripID                *int64       `json:"tripId,omitempty"`
	VesselID              *int64       `json:"vesselId,omitempty"`
	ProgramLabel          string       `json:"programLabel,omitempty"`
	ExcludeID             *int64       `json:"excludeId,omitempty"`
	IncludedIDs           []int64      `json:"includedIds,omitempty"`
	ExcludedIDs           []int64      `json:"excludedIds,omitempty"`
	ExcludeChildOperation bool         `json:"excludeChildOperation,omitempty"`
	HasNoChildOperation   bool         `json:"hasNoChildOperation,omitempty"`
	StartDate             *time.Time   `json:"startDate,omitempty"`
	EndDate               *time.Time   `json:"endDate,omitempty"`
	GearIDs               []int64      `json:"gearIds,omitempty"`
	PhysicalGearIDs       []int64      `json:"physicalGearIds,omitempty"`
	TaxonGroupLabels      []string     `json:"taxonGroupLabels,omitempty"`
	DataQualityStatus     string       `json:"dataQualityStatus,omitempty"`
	QualityFlagID         *QualityFlag `json:"qualityFlagId,omitempty"`
	BoundingBox           *BoundingBox `json:"boundingBox,omitempty"`
	ParentOperationIDs    []int64      `json:"parentOperationIds,omitempty"`
}

// Clone returns a copy that shares nothing mutable with f.
func (f *OperationFilter) Clone() *OperationFilter {
	if f == nil {
		return &OperationFilter{}
	}
	c := *f
	c.IncludedIDs = slices.Clone(f.IncludedIDs)
	c.ExcludedIDs = slices.Clone(f.ExcludedIDs)
	c.GearIDs = slices.Clone(f.GearIDs)
	c.PhysicalGearIDs = slices.Clone(f.PhysicalGearIDs)
	c.TaxonGroupLabels = slices.Clone(f.TaxonGroupLabels)
	c.ParentOperationIDs = slices.Clone(f.ParentOperationIDs)
	if f.BoundingBox != nil {
		bb := *f.BoundingBox
		c.BoundingBox = &bb
	}
	return &c
}

// HasTrip reports whether the filter targets a single trip.
func (f *OperationFilter) HasTrip() bool {
	return f != nil && f.TripID != nil
}

// LocalTrip reports whether the filter targets a trip that only exists on the device.
func (f *OperationFilter) LocalTrip() bool {
	return f.HasTrip() && IsLocalID(*f.TripID)
}

// Predicate compiles the filter into an in-memory test.
func (f *OperationFilter) Predicate() func(*Operation) bool {
	if f == nil {
		return func(*Operation) bool { return true }
	}
	var fns []func(*Operation) bool

	if len(f.IncludedIDs) > 0 {
		ids := slices.Clone(f.IncludedIDs)
		fns = append(fns, func(o *Operation) bool { return slices.Contains(ids, o.ID) })
	}
	if f.ExcludeID != nil {
		id := *f.ExcludeID
		fns = append(fns, func(o *Operation) bool { return o.ID != id })
	}
	if len(f.ExcludedIDs) > 0 {
		ids := slices.Clone(f.ExcludedIDs)
		fns = append(fns, func(o *Operation) bool { return !slices.Contains(ids, o.ID) })
	}
	if f.ExcludeChildOperation {
		fns = append(fns, func(o *Operation) bool { return o.ParentOperationID == nil })
	}
	if f.HasNoChildOperation {
		fns = append(fns, func(o *Operation) bool { return o.ChildOperationID == nil })
	}
	if f.StartDate != nil {
		start := *f.StartDate
		fns = append(fns, func(o *Operation) bool {
			return (o.EndDateTime != nil && !start.After(*o.EndDateTime)) ||
				(o.FishingStartDateTime != nil && !start.After(*o.FishingStartDateTime))
		})
	}
	if f.EndDate != nil {
		end := *f.EndDate
		fns = append(fns, func(o *Operation) bool {
			return (o.EndDateTime != nil && !end.Before(*o.EndDateTime)) ||
				(o.FishingStartDateTime != nil && !end.Before(*o.FishingStartDateTime))
		})
	}
	if len(f.GearIDs) > 0 {
		ids := slices.Clone(f.GearIDs)
		fns = append(fns, func(o *Operation) bool {
			return o.PhysicalGear != nil && slices.Contains(ids, o.PhysicalGear.GearID)
		})
	}
	if len(f.PhysicalGearIDs) > 0 {
		ids := slices.Clone(f.PhysicalGearIDs)
		fns = append(fns, func(o *Operation) bool {
			return o.PhysicalGear != nil && slices.Contains(ids, o.PhysicalGear.ID)
		})
	}
	if len(f.TaxonGroupLabels) > 0 {
		labels := slices.Clone(f.TaxonGroupLabels)
		fns = append(fns, func(o *Operation) bool {
			return o.Metier != nil && o.Metier.TaxonGroupLabel != "" && slices.Contains(labels, o.Metier.TaxonGroupLabel)
		})
	}
	switch f.DataQualityStatus {
	case DataQualityModified:
		fns = append(fns, func(o *Operation) bool { return o.ControlDate == nil })
	case DataQualityControlled:
		fns = append(fns, func(o *Operation) bool { return o.ControlDate != nil })
	}
	if f.QualityFlagID != nil {
		flag := *f.QualityFlagID
		fns = append(fns, func(o *Operation) bool { return o.QualityFlagID == flag })
	}
	if f.BoundingBox.Valid() {
		bb := *f.BoundingBox
		fns = append(fns, func(o *Operation) bool {
			return slices.ContainsFunc(o.Positions, bb.Contains)
		})
	}
	if f.TripID != nil {
		tripID := *f.TripID
		fns = append(fns, func(o *Operation) bool { return o.TripID == tripID })
	}
	if f.VesselID != nil {
		vesselID := *f.VesselID
		fns = append(fns, func(o *Operation) bool { return o.VesselID == nil || *o.VesselID == vesselID })
	}
	if f.ProgramLabel != "" {
		label := f.ProgramLabel
		fns = append(fns, func(o *Operation) bool { return o.ProgramLabel == "" || o.ProgramLabel == label })
	}
	if len(f.ParentOperationIDs) > 0 {
		ids := slices.Clone(f.ParentOperationIDs)
		fns = append(fns, func(o *Operation) bool {
			return o.ParentOperationID != nil && slices.Contains(ids, *o.ParentOperationID)
		})
	}

	return func(o *Operation) bool {
		for _, fn := range fns {
			if !fn(o) {
				return false
			}
		}
		return true
	}
}

// AsPodObject returns the variables sent to the pod for this filter. Local
// ids are meaningless to the pod and are dropped from id lists.
func (f *OperationFilter) AsPodObject() *OperationFilter {
	c := f.Clone()
	c.IncludedIDs = remoteIDs(c.IncludedIDs)
	c.ExcludedIDs = remoteIDs(c.ExcludedIDs)
	c.ParentOperationIDs = remoteIDs(c.ParentOperationIDs)
	return c
}

func remoteIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !IsLocalID(id) {
			out = append(out, id)
		}
	}
	return out
}

// filterHashKey is the hash-friendly projection of OperationFilter.
type filterHashKey struct {
	TripID                *int64
	VesselID              *int64
	ProgramLabel          string
	ExcludeID             *int64
	IncludedIDs           []int64 `hash:"set"`
	ExcludedIDs           []int64 `hash:"set"`
	ExcludeChildOperation bool
	HasNoChildOperation   bool
	StartDate             int64
	EndDate               int64
	GearIDs               []int64  `hash:"set"`
	PhysicalGearIDs       []int64  `hash:"set"`
	TaxonGroupLabels      []string `hash:"set"`
	DataQualityStatus     string
	QualityFlagID         *int
	BoundingBox           *BoundingBox
	ParentOperationIDs    []int64 `hash:"set"`
}

// Hash returns a stable hash of the filter: equal filters hash equally
// regardless of id list ordering.
func (f *OperationFilter) Hash() (uint64, error) {
	if f == nil {
		f = &OperationFilter{}
	}
	key := filterHashKey{
		TripID:                f.TripID,
		VesselID:              f.VesselID,
		ProgramLabel:          f.ProgramLabel,
		ExcludeID:             f.ExcludeID,
		IncludedIDs:           f.IncludedIDs,
		ExcludedIDs:           f.ExcludedIDs,
		ExcludeChildOperation: f.ExcludeChildOperation,
		HasNoChildOperation:   f.HasNoChildOperation,
		StartDate:             unixNano(f.StartDate),
		EndDate:               unixNano(f.EndDate),
		GearIDs:               f.GearIDs,
		PhysicalGearIDs:       f.PhysicalGearIDs,
		TaxonGroupLabels:      f.TaxonGroupLabels,
		DataQualityStatus:     f.DataQualityStatus,
		BoundingBox:           f.BoundingBox,
		ParentOperationIDs:    f.ParentOperationIDs,
	}
	if f.QualityFlagID != nil {
		key.QualityFlagID = Int(int(*f.QualityFlagID))
	}
	return hashstructure.Hash(key, hashstructure.FormatV2, nil)
}

func unixNano(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}
