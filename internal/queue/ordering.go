package queue

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// PositionChange records one entry whose queue position moved during a
// recalculation.
type PositionChange struct {
	AppointmentID uuid.UUID
	Previous      *int
	Current       *int
}

// Recalculate assigns positions 1..N to the active entries in the order the
// mode dictates and clears the position of every other entry. Entries are
// updated in place; the returned slice lists the ones whose position changed.
// Running it twice on an unchanged set returns no changes the second time.
func Recalculate(entries []*Appointment, mode Mode) []PositionChange {
	active := OrderActive(entries, mode)

	var changes []PositionChange
	assign := func(a *Appointment, pos *int) {
		if equalPositions(a.QueuePosition, pos) {
			return
		}
		changes = append(changes, PositionChange{
			AppointmentID: a.ID,
			Previous:      copyInt(a.QueuePosition),
			Current:       copyInt(pos),
		})
		a.QueuePosition = pos
	}

	for i, a := range active {
		pos := i + 1
		assign(a, &pos)
	}
	for _, a := range entries {
		if !a.IsActive() {
			assign(a, nil)
		}
	}
	return changes
}

// OrderActive returns the active entries sorted by the mode's ordering rule
// without touching their positions.
func OrderActive(entries []*Appointment, mode Mode) []*Appointment {
	active := make([]*Appointment, 0, len(entries))
	for _, a := range entries {
		if a.IsActive() {
			active = append(active, a)
		}
	}

	less := slottedLess
	if mode == ModeFluid {
		less = fluidLess
	}
	sort.SliceStable(active, func(i, j int) bool { return less(active[i], active[j]) })
	return active
}

// fluid: priority desc, scheduled start asc with nulls last, then FIFO.
func fluidLess(a, b *Appointment) bool {
	if a.PriorityScore != b.PriorityScore {
		return a.PriorityScore > b.PriorityScore
	}
	if c := compareStart(a, b); c != 0 {
		return c < 0
	}
	return fifoLess(a, b)
}

// slotted: scheduled start asc with nulls last, then FIFO.
func slottedLess(a, b *Appointment) bool {
	if c := compareStart(a, b); c != 0 {
		return c < 0
	}
	return fifoLess(a, b)
}

func compareStart(a, b *Appointment) int {
	switch {
	case a.ScheduledStart == nil && b.ScheduledStart == nil:
		return 0
	case a.ScheduledStart == nil:
		return 1
	case b.ScheduledStart == nil:
		return -1
	case a.ScheduledStart.Before(*b.ScheduledStart):
		return -1
	case b.ScheduledStart.Before(*a.ScheduledStart):
		return 1
	}
	return 0
}

func fifoLess(a, b *Appointment) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// VerifyPositions checks that active entries hold exactly 1..N and every other
// entry holds no position, and that no staff member has two entries in service.
func VerifyPositions(entries []*Appointment) error {
	seen := make(map[int]uuid.UUID)
	active := 0
	serving := make(map[uuid.UUID]uuid.UUID)
	for _, a := range entries {
		if a.Status == StatusInProgress {
			if other, ok := serving[a.StaffID]; ok {
				return invariantf("staff %s has %s and %s in progress", a.StaffID, other, a.ID)
			}
			serving[a.StaffID] = a.ID
		}
		if !a.IsActive() {
			if a.QueuePosition != nil {
				return invariantf("inactive appointment %s holds position %d", a.ID, *a.QueuePosition)
			}
			continue
		}
		active++
		if a.QueuePosition == nil {
			return invariantf("active appointment %s has no position", a.ID)
		}
		if other, ok := seen[*a.QueuePosition]; ok {
			return invariantf("position %d held by %s and %s", *a.QueuePosition, other, a.ID)
		}
		seen[*a.QueuePosition] = a.ID
	}
	for pos := 1; pos <= active; pos++ {
		if _, ok := seen[pos]; !ok {
			return invariantf("position %d missing among %d active entries", pos, active)
		}
	}
	return nil
}

func equalPositions(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
