package core

import (
	"cmp"
	"slices"

	"github.com/kilupskalvis/tripsync/internal/models"
)

// ComputeRankOrderAndSort numbers the operations of a trip page by end date
// (start date when not ended), the earliest operation of the trip being 1
// whatever the page direction. Pages sorted by id, rankOrder or endDateTime
// are then re-sorted by rank. Nothing happens unless filter targets a trip.
func ComputeRankOrderAndSort(data []*models.Operation, offset, total int, sortBy string, dir models.SortDirection, filter *models.OperationFilter) {
	if !filter.HasTrip() || len(data) == 0 {
		return
	}
	asc := !dir.Desc()
	rank := 1 + offset
	if !asc {
		rank = total - offset - len(data) + 1
	}

	byDate := slices.Clone(data)
	slices.SortStableFunc(byDate, func(a, b *models.Operation) int {
		if c := a.EndOrStartDate().Compare(b.EndOrStartDate()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	for _, op := range byDate {
		op.RankOrder = rank
		rank++
	}

	switch sortBy {
	case "", "id", "rankOrder", "endDateTime":
		slices.SortStableFunc(data, func(a, b *models.Operation) int {
			if asc {
				return cmp.Compare(a.RankOrder, b.RankOrder)
			}
			return cmp.Compare(b.RankOrder, a.RankOrder)
		})
	}
}
