package dsl

import "fmt"

// MockDocument builds a degenerate uniform document: every grid slot of
// every day plays sequentially from one collection. Useful for bench
// channels and for exercising a full pipeline without writing a real
// programming document.
func MockDocument(channel, timezone, collectionID string, gridMinutes int) *Document {
	slotsPerDay := (24 * 60) / gridMinutes
	slots := make([]Slot, 0, slotsPerDay)
	for i := 0; i < slotsPerDay; i++ {
		totalMin := i * gridMinutes
		slots = append(slots, Slot{
			Start:       fmt.Sprintf("%02d:%02d", totalMin/60, totalMin%60),
			SlotMinutes: gridMinutes,
			Content: SlotContent{
				Collection: collectionID,
				Policy:     PolicySequential,
			},
		})
	}

	return &Document{
		Version:  1,
		Channel:  channel,
		Timezone: timezone,
		Schedule: map[string]DayProgram{
			"default": {Slots: slots},
		},
	}
}
