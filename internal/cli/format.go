package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/tripsync/internal/core"
	"github.com/kilupskalvis/tripsync/internal/models"
)

// parseIDs parses entity ids given on the command line.
func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parsePosition reads "lat,lon" in decimal degrees.
func parsePosition(s string) (core.FixedPosition, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return core.FixedPosition{}, fmt.Errorf("invalid position %q, expected lat,lon", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || lat < -90 || lat > 90 {
		return core.FixedPosition{}, fmt.Errorf("invalid latitude %q", parts[0])
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || lon < -180 || lon > 180 {
		return core.FixedPosition{}, fmt.Errorf("invalid longitude %q", parts[1])
	}
	return core.FixedPosition{Latitude: lat, Longitude: lon}, nil
}

// parseProperties reads repeated key=value flags.
func parseProperties(pairs []string) (map[string]string, error) {
	props := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid property %q, expected key=value", p)
		}
		props[k] = v
	}
	return props, nil
}

// idLabel shows where an entity lives.
func idLabel(id int64) string {
	if models.IsLocalID(id) {
		return fmt.Sprintf("%d (local)", id)
	}
	return strconv.FormatInt(id, 10)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func qualityColor(q models.QualityFlag) *color.Color {
	switch q {
	case models.QualityGood, models.QualityFixed:
		return color.New(color.FgGreen)
	case models.QualityBad, models.QualityMissing:
		return color.New(color.FgRed)
	case models.QualityNotCompleted, models.QualityDoubtful:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Reset)
	}
}

// linkLabel renders the parent/child link column.
func linkLabel(op *models.Operation) string {
	switch {
	case op.ParentOperationID != nil:
		return "child of " + idLabel(*op.ParentOperationID)
	case op.ChildOperationID != nil:
		return "parent of " + idLabel(*op.ChildOperationID)
	default:
		return ""
	}
}

func printOperationHeader() {
	fmt.Printf("  %-4s  %-14s  %-16s  %-16s  %-14s  %s\n", "RANK", "ID", "START", "END", "QUALITY", "LINK")
}

func printOperation(op *models.Operation) {
	start := op.StartDateTime
	line := fmt.Sprintf("  %-4d  %-14s  %-16s  %-16s  %-14s  %s",
		op.RankOrder, idLabel(op.ID), formatTime(&start), formatTime(op.EndDateTime), op.QualityFlagID, linkLabel(op))
	qualityColor(op.QualityFlagID).Println(line)
}
