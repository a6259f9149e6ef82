package models

import (
	"strconv"
	"strings"
	"time"
)

// Trip is a fishing trip of one vessel under one program.
type Trip struct {
	ID                int64           `json:"id"`
	ProgramLabel      string          `json:"programLabel"`
	VesselID          int64           `json:"vesselId"`
	VesselSnapshot    *VesselSnapshot `json:"vesselSnapshot,omitempty"`
	DepartureDateTime time.Time       `json:"departureDateTime"`
	ReturnDateTime    *time.Time      `json:"returnDateTime,omitempty"`
	Comments          string          `json:"comments,omitempty"`
	QualityFlagID     QualityFlag     `json:"qualityFlagId"`
	ControlDate       *time.Time      `json:"controlDate,omitempty"`
	UpdateDate        *time.Time      `json:"updateDate,omitempty"`
	DeviceID          string          `json:"deviceId,omitempty"`

	// Only filled when a trip is sent together with its operations.
	Operations []*Operation `json:"operations,omitempty"`
}

func (t *Trip) EntityName() string        { return EntityTrip }
func (t *Trip) GetID() int64              { return t.ID }
func (t *Trip) SetID(id int64)            { t.ID = id }
func (t *Trip) GetUpdateDate() *time.Time { return t.UpdateDate }

// SortValue implements Entity.
func (t *Trip) SortValue(field string) any {
	switch field {
	case "id":
		return t.ID
	case "departureDateTime":
		return t.DepartureDateTime
	case "returnDateTime":
		if t.ReturnDateTime == nil {
			return nil
		}
		return *t.ReturnDateTime
	case "updateDate":
		if t.UpdateDate == nil {
			return nil
		}
		return *t.UpdateDate
	case "programLabel", "program":
		return t.ProgramLabel
	}
	return nil
}

// Summary returns the abbreviated trip attached to imported operations.
func (t *Trip) Summary() *TripSummary {
	return &TripSummary{
		ID:                t.ID,
		DepartureDateTime: t.DepartureDateTime,
		ReturnDateTime:    t.ReturnDateTime,
		VesselSnapshot:    t.VesselSnapshot,
	}
}

// TripSummary is the minimal trip context needed to display an operation offline.
type TripSummary struct {
	ID                int64           `json:"id"`
	DepartureDateTime time.Time       `json:"departureDateTime"`
	ReturnDateTime    *time.Time      `json:"returnDateTime,omitempty"`
	VesselSnapshot    *VesselSnapshot `json:"vesselSnapshot,omitempty"`
}

// VesselSnapshot identifies a vessel as it was at trip time.
type VesselSnapshot struct {
	ID              int64  `json:"id"`
	Name            string `json:"name,omitempty"`
	ExteriorMarking string `json:"exteriorMarking,omitempty"`
}

// Program is a data collection program and its configuration properties.
type Program struct {
	ID         int64             `json:"id"`
	Label      string            `json:"label"`
	Name       string            `json:"name,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// PropertyAsBool reads a boolean property; missing or malformed means false.
func (p *Program) PropertyAsBool(key string) bool {
	if p == nil {
		return false
	}
	v, err := strconv.ParseBool(strings.TrimSpace(p.Properties[key]))
	return err == nil && v
}
