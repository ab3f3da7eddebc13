package schedule

import (
	"fmt"
	"sort"
	"sync"

	"github.com/retrovue/retrovue/internal/models"
)

// SeamViolation records a coverage breach between two scheduled blocks.
// DeltaMs is right start minus left end: positive is a gap, negative an
// overlap.
type SeamViolation struct {
	LeftID  models.ULID `json:"left_block_id"`
	RightID models.ULID `json:"right_block_id"`
	DeltaMs int64       `json:"delta_ms"`
	Reason  string      `json:"reason"`
}

func (v SeamViolation) String() string {
	return fmt.Sprintf("seam %s -> %s: %s (delta %dms)", v.LeftID, v.RightID, v.Reason, v.DeltaMs)
}

// WindowStore holds one channel's rolling execution window: scheduled
// blocks sorted by start time with millisecond-exact seam coverage.
//
// Inserts append to the window end and are validated block by block; the
// first block that breaks coverage is rejected along with everything after
// it, so the stored window is contiguous at all times. Blocks are shared
// by pointer and must be treated as read-only by every caller.
type WindowStore struct {
	mu     sync.RWMutex
	blocks []*ScheduledBlock
	byID   map[models.ULID]*ScheduledBlock
}

// NewWindowStore returns an empty window.
func NewWindowStore() *WindowStore {
	return &WindowStore{byID: make(map[models.ULID]*ScheduledBlock)}
}

// Insert adds blocks to the window in start order. It returns how many
// were accepted and, when the batch is cut short, the violation that
// stopped it. The accepted prefix stays in the window; the violating
// block and everything after it are discarded.
func (s *WindowStore) Insert(batch []*ScheduledBlock) (int, *SeamViolation) {
	sorted := make([]*ScheduledBlock, len(batch))
	copy(sorted, batch)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartUTC < sorted[j].StartUTC
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	accepted := 0
	for _, block := range sorted {
		if block.DurationMs() <= 0 {
			return accepted, &SeamViolation{
				LeftID:  block.ID,
				RightID: block.ID,
				Reason:  fmt.Sprintf("block duration %dms not positive", block.DurationMs()),
			}
		}
		if _, exists := s.byID[block.ID]; exists {
			return accepted, &SeamViolation{
				LeftID:  block.ID,
				RightID: block.ID,
				Reason:  "duplicate block id",
			}
		}
		if n := len(s.blocks); n > 0 {
			last := s.blocks[n-1]
			if delta := block.StartUTC - last.EndUTC; delta != 0 {
				reason := "gap after previous block"
				if delta < 0 {
					reason = "overlaps previous block"
				}
				return accepted, &SeamViolation{
					LeftID:  last.ID,
					RightID: block.ID,
					DeltaMs: delta,
					Reason:  reason,
				}
			}
		}
		s.blocks = append(s.blocks, block)
		s.byID[block.ID] = block
		accepted++
	}
	return accepted, nil
}

// BlockAt returns the block covering utcMs, if any. O(log n).
func (s *WindowStore) BlockAt(utcMs int64) (*ScheduledBlock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.blocks), func(i int) bool {
		return s.blocks[i].EndUTC > utcMs
	})
	if i < len(s.blocks) && s.blocks[i].StartUTC <= utcMs {
		return s.blocks[i], true
	}
	return nil, false
}

// Get returns the block with the given ID.
func (s *WindowStore) Get(id models.ULID) (*ScheduledBlock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.byID[id]
	return block, ok
}

// Next returns the block starting exactly when the given block ends.
func (s *WindowStore) Next(after *ScheduledBlock) (*ScheduledBlock, bool) {
	return s.BlockAt(after.EndUTC)
}

// Snapshot returns the blocks in start order. The slice is a copy; the
// blocks are shared.
func (s *WindowStore) Snapshot() []*ScheduledBlock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ScheduledBlock, len(s.blocks))
	copy(out, s.blocks)
	return out
}

// Len returns the number of stored blocks.
func (s *WindowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// Bounds returns the window's covered interval. ok is false when empty.
func (s *WindowStore) Bounds() (startUTCMs, endUTCMs int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocks) == 0 {
		return 0, 0, false
	}
	return s.blocks[0].StartUTC, s.blocks[len(s.blocks)-1].EndUTC, true
}

// WindowEnd returns the end of coverage. ok is false when empty.
func (s *WindowStore) WindowEnd() (int64, bool) {
	_, end, ok := s.Bounds()
	return end, ok
}

// Days returns the distinct programming-day dates present, sorted.
func (s *WindowStore) Days() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	days := make([]string, 0, 4)
	for _, b := range s.blocks {
		if !seen[b.Day] {
			seen[b.Day] = true
			days = append(days, b.Day)
		}
	}
	sort.Strings(days)
	return days
}

// PruneBefore drops blocks that ended at or before cutoffUTCMs and returns
// how many were removed.
func (s *WindowStore) PruneBefore(cutoffUTCMs int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.blocks), func(i int) bool {
		return s.blocks[i].EndUTC > cutoffUTCMs
	})
	if i == 0 {
		return 0
	}
	for _, b := range s.blocks[:i] {
		delete(s.byID, b.ID)
	}
	s.blocks = append([]*ScheduledBlock(nil), s.blocks[i:]...)
	return i
}

// CheckContiguity re-verifies the coverage invariant over the whole window
// and returns every violation found. A store that only grows through
// Insert stays clean; the horizon manager still runs this on every
// evaluation and publishes the result.
func (s *WindowStore) CheckContiguity() []SeamViolation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var violations []SeamViolation
	for i, b := range s.blocks {
		if b.DurationMs() <= 0 {
			violations = append(violations, SeamViolation{
				LeftID:  b.ID,
				RightID: b.ID,
				Reason:  fmt.Sprintf("block duration %dms not positive", b.DurationMs()),
			})
		}
		if i == 0 {
			continue
		}
		left := s.blocks[i-1]
		if delta := b.StartUTC - left.EndUTC; delta != 0 {
			reason := "gap"
			if delta < 0 {
				reason = "overlap"
			}
			violations = append(violations, SeamViolation{
				LeftID:  left.ID,
				RightID: b.ID,
				DeltaMs: delta,
				Reason:  reason,
			})
		}
	}
	return violations
}
