package models

import (
	"encoding/json"
	"time"
)

// Operation is a fishing operation: one gear deployment inside a trip. A
// parent operation (shooting) may be linked to exactly one child operation
// (hauling), possibly on another trip.
type Operation struct {
	ID                    int64             `json:"id"`
	TripID                int64             `json:"tripId"`
	StartDateTime         time.Time         `json:"startDateTime"`
	EndDateTime           *time.Time        `json:"endDateTime,omitempty"`
	FishingStartDateTime  *time.Time        `json:"fishingStartDateTime,omitempty"`
	FishingEndDateTime    *time.Time        `json:"fishingEndDateTime,omitempty"`
	RankOrder             int               `json:"rankOrder,omitempty"`
	Comments              string            `json:"comments,omitempty"`
	Positions             []*VesselPosition `json:"positions,omitempty"`
	Measurements          []*Measurement    `json:"measurements,omitempty"`
	Samples               []*Sample         `json:"samples,omitempty"`
	CatchBatch            *Batch            `json:"catchBatch,omitempty"`
	Metier                *Metier           `json:"metier,omitempty"`
	PhysicalGear          *PhysicalGear     `json:"physicalGear,omitempty"`
	QualityFlagID         QualityFlag       `json:"qualityFlagId"`
	QualificationComments string            `json:"qualificationComments,omitempty"`
	ControlDate           *time.Time        `json:"controlDate,omitempty"`
	UpdateDate            *time.Time        `json:"updateDate,omitempty"`
	ParentOperationID     *int64            `json:"parentOperationId,omitempty"`
	ChildOperationID      *int64            `json:"childOperationId,omitempty"`

	// Set on operations imported for offline use.
	ProgramLabel string       `json:"programLabel,omitempty"`
	VesselID     *int64       `json:"vesselId,omitempty"`
	Trip         *TripSummary `json:"trip,omitempty"`
}

func (o *Operation) EntityName() string        { return EntityOperation }
func (o *Operation) GetID() int64              { return o.ID }
func (o *Operation) SetID(id int64)            { o.ID = id }
func (o *Operation) GetUpdateDate() *time.Time { return o.UpdateDate }

// SortValue implements Entity.
func (o *Operation) SortValue(field string) any {
	switch field {
	case "id":
		return o.ID
	case "tripId":
		return o.TripID
	case "rankOrder":
		return o.RankOrder
	case "startDateTime":
		return o.StartDateTime
	case "endDateTime":
		if o.EndDateTime == nil {
			return nil
		}
		return *o.EndDateTime
	case "fishingStartDateTime":
		if o.FishingStartDateTime == nil {
			return nil
		}
		return *o.FishingStartDateTime
	case "updateDate":
		if o.UpdateDate == nil {
			return nil
		}
		return *o.UpdateDate
	case "physicalGear":
		if o.PhysicalGear == nil {
			return nil
		}
		return o.PhysicalGear.RankOrder
	case "metier", "targetSpecies":
		if o.Metier == nil {
			return nil
		}
		return o.Metier.Label
	}
	return nil
}

// Clone returns a deep copy.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}
	var c Operation
	if err := json.Unmarshal(data, &c); err != nil {
		panic(err)
	}
	return &c
}

// EndOrStartDate is the ordering date used for rank order computation.
func (o *Operation) EndOrStartDate() time.Time {
	if o.EndDateTime != nil {
		return *o.EndDateTime
	}
	return o.StartDateTime
}

// HasParent reports whether the operation declares a parent operation.
func (o *Operation) HasParent() bool { return o.ParentOperationID != nil }

// HasChild reports whether the operation declares a child operation.
func (o *Operation) HasChild() bool { return o.ChildOperationID != nil }

// PositionAt returns the position dated exactly t, or nil.
func (o *Operation) PositionAt(t *time.Time) *VesselPosition {
	if t == nil {
		return nil
	}
	for _, p := range o.Positions {
		if p != nil && p.DateTime.Equal(*t) {
			return p
		}
	}
	return nil
}

func (o *Operation) StartPosition() *VesselPosition {
	return o.PositionAt(&o.StartDateTime)
}

func (o *Operation) FishingStartPosition() *VesselPosition {
	return o.PositionAt(o.FishingStartDateTime)
}

func (o *Operation) FishingEndPosition() *VesselPosition {
	return o.PositionAt(o.FishingEndDateTime)
}

func (o *Operation) EndPosition() *VesselPosition {
	return o.PositionAt(o.EndDateTime)
}

// RemovePosition drops p from the position list.
func (o *Operation) RemovePosition(p *VesselPosition) {
	if p == nil {
		return
	}
	kept := o.Positions[:0]
	for _, cur := range o.Positions {
		if cur != p {
			kept = append(kept, cur)
		}
	}
	o.Positions = kept
}

// Measurement returns the measurement of the given pmfm, or nil.
func (o *Operation) Measurement(pmfmID int) *Measurement {
	for _, m := range o.Measurements {
		if m != nil && m.PmfmID == pmfmID {
			return m
		}
	}
	return nil
}

// VesselPosition is a dated geographic point recorded on an operation.
type VesselPosition struct {
	ID          int64      `json:"id"`
	DateTime    time.Time  `json:"dateTime"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
	OperationID *int64     `json:"operationId,omitempty"`
	UpdateDate  *time.Time `json:"updateDate,omitempty"`
}

// IsSamePoint compares coordinates only.
func (p *VesselPosition) IsSamePoint(other *VesselPosition) bool {
	if p == nil || other == nil {
		return p == nil && other == nil
	}
	return p.Latitude == other.Latitude && p.Longitude == other.Longitude
}

// CopyPoint copies date and coordinates, keeping the identity of p.
func (p *VesselPosition) CopyPoint(other *VesselPosition) {
	p.DateTime = other.DateTime
	p.Latitude = other.Latitude
	p.Longitude = other.Longitude
}

// Measurement is a value of one pmfm (parameter, matrix, fraction, method).
type Measurement struct {
	ID                  int64      `json:"id"`
	PmfmID              int        `json:"pmfmId"`
	RankOrder           int        `json:"rankOrder"`
	NumericalValue      *float64   `json:"numericalValue,omitempty"`
	AlphanumericalValue string     `json:"alphanumericalValue,omitempty"`
	QualitativeValueID  *int64     `json:"qualitativeValueId,omitempty"`
	UpdateDate          *time.Time `json:"updateDate,omitempty"`
}

// Equals matches on identity, or on pmfm and rank order.
func (m *Measurement) Equals(other *Measurement) bool {
	if m == nil || other == nil {
		return false
	}
	if m.ID != 0 && m.ID == other.ID {
		return true
	}
	return m.PmfmID == other.PmfmID && m.RankOrder == other.RankOrder
}

// IsZero reports a numerical value of exactly 0, or a "0" alphanumerical value.
func (m *Measurement) IsZero() bool {
	if m.NumericalValue != nil {
		return *m.NumericalValue == 0
	}
	if m.QualitativeValueID != nil {
		return *m.QualitativeValueID == 0
	}
	return m.AlphanumericalValue == "0" || m.AlphanumericalValue == "false"
}

// Sample is a node of the sample tree of an operation.
type Sample struct {
	ID           int64      `json:"id"`
	Label        string     `json:"label,omitempty"`
	RankOrder    int        `json:"rankOrder"`
	SampleDate   *time.Time `json:"sampleDate,omitempty"`
	TaxonGroupID *int64     `json:"taxonGroupId,omitempty"`
	OperationID  *int64     `json:"operationId,omitempty"`
	ParentID     *int64     `json:"parentId,omitempty"`
	Comments     string     `json:"comments,omitempty"`
	Children     []*Sample  `json:"children,omitempty"`
	UpdateDate   *time.Time `json:"updateDate,omitempty"`
}

// Equals matches on identity, or on rank order within the same operation.
func (s *Sample) Equals(other *Sample) bool {
	if s == nil || other == nil {
		return false
	}
	if s.ID != 0 && s.ID == other.ID {
		return true
	}
	return s.RankOrder == other.RankOrder && SameInt64(s.OperationID, other.OperationID)
}

// Batch is a node of the catch batch tree of an operation.
type Batch struct {
	ID              int64      `json:"id"`
	Label           string     `json:"label,omitempty"`
	RankOrder       int        `json:"rankOrder"`
	TaxonGroupID    *int64     `json:"taxonGroupId,omitempty"`
	IndividualCount *int       `json:"individualCount,omitempty"`
	SamplingRatio   *float64   `json:"samplingRatio,omitempty"`
	OperationID     *int64     `json:"operationId,omitempty"`
	ParentID        *int64     `json:"parentId,omitempty"`
	Children        []*Batch   `json:"children,omitempty"`
	UpdateDate      *time.Time `json:"updateDate,omitempty"`
}

// Equals matches on identity, or on rank order, operation and label.
func (b *Batch) Equals(other *Batch) bool {
	if b == nil || other == nil {
		return false
	}
	if b.ID != 0 && b.ID == other.ID {
		return true
	}
	return b.RankOrder == other.RankOrder &&
		SameInt64(b.OperationID, other.OperationID) &&
		b.Label == other.Label
}

// PhysicalGear is the gear instance used by an operation.
type PhysicalGear struct {
	ID        int64 `json:"id"`
	RankOrder int   `json:"rankOrder,omitempty"`
	GearID    int64 `json:"gearId"`
}

// Metier is the fishing activity (gear + target species) of an operation.
type Metier struct {
	ID              int64  `json:"id"`
	Label           string `json:"label,omitempty"`
	TaxonGroupLabel string `json:"taxonGroupLabel,omitempty"`
}
