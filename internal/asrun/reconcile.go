package asrun

import (
	"fmt"

	"github.com/retrovue/retrovue/internal/models"
	"github.com/retrovue/retrovue/internal/schedule"
)

// Classification is the reconciliation verdict for one block.
type Classification string

const (
	// ClassMatch means the block aired exactly as planned.
	ClassMatch Classification = "MATCH"

	// ClassMissingBlock means a planned block left no as-run trace.
	ClassMissingBlock Classification = "MISSING_BLOCK"

	// ClassExtraBlock means the as-run log carries a block that was never
	// planned, or the same block twice.
	ClassExtraBlock Classification = "EXTRA_BLOCK"

	// ClassTimeMismatch means the block started further from its
	// scheduled time than the tolerance allows.
	ClassTimeMismatch Classification = "BLOCK_TIME_MISMATCH"

	// ClassSequenceMismatch means the planned segments aired out of
	// order, more than once, or not at all.
	ClassSequenceMismatch Classification = "SEGMENT_SEQUENCE_MISMATCH"

	// ClassPhantomSegment means an unplanned segment aired without being
	// marked as runtime recovery.
	ClassPhantomSegment Classification = "PHANTOM_SEGMENT"

	// ClassRuntimeRecovery means the block needed in-band recovery (for
	// instance deficit padding) but is otherwise accounted for.
	ClassRuntimeRecovery Classification = "RUNTIME_RECOVERY"

	// ClassRunwayDegradation means the recovery was caused by schedule
	// runway running out. Implies runtime recovery.
	ClassRunwayDegradation Classification = "RUNWAY_DEGRADATION"
)

// failed reports whether the classification makes the report unsuccessful.
// Recovery classifications are expected operational noise; everything else
// is a discrepancy.
func (c Classification) failed() bool {
	switch c {
	case ClassMissingBlock, ClassExtraBlock, ClassTimeMismatch,
		ClassSequenceMismatch, ClassPhantomSegment:
		return true
	}
	return false
}

// StartToleranceMs is how far an actual block start may drift from its
// scheduled start before the block classifies as BLOCK_TIME_MISMATCH.
const StartToleranceMs int64 = 1000

// BlockReport is the verdict for one block.
type BlockReport struct {
	BlockID        models.ULID    `json:"block_id"`
	Classification Classification `json:"classification"`
	Detail         string         `json:"detail,omitempty"`
}

// Report is the outcome of reconciling one broadcast day.
type Report struct {
	ChannelID    string                 `json:"channel_id"`
	BroadcastDay string                 `json:"broadcast_day"`
	Success      bool                   `json:"success"`
	Blocks       []BlockReport          `json:"blocks"`
	Counts       map[Classification]int `json:"counts"`
	Errors       []string               `json:"errors,omitempty"`
}

// actualBlock is one contiguous run of as-run records for a single block.
type actualBlock struct {
	id        models.ULID
	terminals []*Record
	startMs   int64
	hasStart  bool
}

// Reconcile compares the planned transmission log against the actual
// as-run log block by block. Every planned block gets exactly one verdict;
// unplanned or repeated actual blocks are reported as EXTRA_BLOCK. The
// actual log's structural problems land in Errors and do not change
// classifications.
func Reconcile(planned *TransmissionLog, actual *Log) *Report {
	report := &Report{
		ChannelID:    planned.ChannelID,
		BroadcastDay: planned.BroadcastDay,
		Counts:       make(map[Classification]int),
		Errors:       actual.Validate(),
	}

	runs := collectRuns(actual)

	// First run per block reconciles against the plan; repeats are extras.
	firstRun := make(map[models.ULID]*actualBlock, len(runs))
	for _, run := range runs {
		if _, seen := firstRun[run.id]; seen {
			report.add(BlockReport{
				BlockID:        run.id,
				Classification: ClassExtraBlock,
				Detail:         "block aired more than once",
			})
			continue
		}
		firstRun[run.id] = run
	}

	for i := range planned.Blocks {
		block := &planned.Blocks[i]
		run, ok := firstRun[block.BlockID]
		if !ok {
			report.add(BlockReport{
				BlockID:        block.BlockID,
				Classification: ClassMissingBlock,
			})
			continue
		}
		delete(firstRun, block.BlockID)
		report.add(classify(block, run))
	}

	// Whatever is left in firstRun aired without ever being planned.
	for _, run := range runs {
		if _, extra := firstRun[run.id]; extra {
			delete(firstRun, run.id)
			report.add(BlockReport{
				BlockID:        run.id,
				Classification: ClassExtraBlock,
				Detail:         "block not in transmission log",
			})
		}
	}

	report.Success = true
	for class, n := range report.Counts {
		if n > 0 && class.failed() {
			report.Success = false
			break
		}
	}
	return report
}

func (r *Report) add(br BlockReport) {
	r.Blocks = append(r.Blocks, br)
	r.Counts[br.Classification]++
}

// collectRuns splits the as-run log into contiguous per-block runs, in log
// order. Fences close the current run; a block id reappearing after
// another block started is a separate run.
func collectRuns(actual *Log) []*actualBlock {
	var runs []*actualBlock
	var current *actualBlock

	for i := range actual.Records {
		rec := &actual.Records[i]
		if rec.Event == EventFence {
			current = nil
			continue
		}
		if current == nil || current.id != rec.BlockID {
			current = &actualBlock{id: rec.BlockID}
			runs = append(runs, current)
		}
		switch {
		case rec.Event == EventSegStart:
			if !current.hasStart || rec.ActualStartUTCMs < current.startMs {
				current.startMs = rec.ActualStartUTCMs
				current.hasStart = true
			}
		case rec.IsTerminal():
			current.terminals = append(current.terminals, rec)
			if !current.hasStart {
				current.startMs = rec.ActualStartUTCMs
				current.hasStart = true
			}
		}
	}
	return runs
}

// classify reconciles one planned block against its as-run run.
func classify(block *PlannedBlock, run *actualBlock) BlockReport {
	if run.hasStart {
		drift := run.startMs - block.StartUTCMs
		if drift > StartToleranceMs || drift < -StartToleranceMs {
			return BlockReport{
				BlockID:        block.BlockID,
				Classification: ClassTimeMismatch,
				Detail:         fmt.Sprintf("started %dms from schedule", drift),
			}
		}
	}

	plannedIndexes := make(map[int]bool, len(block.Segments))
	for _, seg := range block.Segments {
		plannedIndexes[seg.Index] = true
	}

	var (
		aired    []int
		phantoms []int
		recovery bool
		runway   bool
	)
	for i, rec := range run.terminals {
		if rec.RuntimeRecovery {
			recovery = true
			runway = runway || rec.RunwayDegradation
		}
		if !plannedIndexes[rec.SegmentIndex] {
			if rec.RuntimeRecovery {
				// Recovery segments are allowed to be unplanned.
				continue
			}
			phantoms = append(phantoms, rec.SegmentIndex)
			continue
		}
		if rec.RuntimeRecovery && airsAgain(run.terminals[i+1:], rec.SegmentIndex) {
			// The pre-recovery partial airing; the restart's re-air is
			// the one the sequence counts.
			continue
		}
		aired = append(aired, rec.SegmentIndex)
	}

	if detail, ok := sequenceProblem(block.Segments, aired); ok {
		return BlockReport{
			BlockID:        block.BlockID,
			Classification: ClassSequenceMismatch,
			Detail:         detail,
		}
	}
	if len(phantoms) > 0 {
		return BlockReport{
			BlockID:        block.BlockID,
			Classification: ClassPhantomSegment,
			Detail:         fmt.Sprintf("unplanned segment indexes %v", phantoms),
		}
	}
	if runway {
		return BlockReport{BlockID: block.BlockID, Classification: ClassRunwayDegradation}
	}
	if recovery {
		return BlockReport{BlockID: block.BlockID, Classification: ClassRuntimeRecovery}
	}
	return BlockReport{BlockID: block.BlockID, Classification: ClassMatch}
}

// airsAgain reports whether a later terminal in the run closes the same
// segment index.
func airsAgain(rest []*Record, index int) bool {
	for _, rec := range rest {
		if rec.SegmentIndex == index {
			return true
		}
	}
	return false
}

// sequenceProblem checks that the planned segment indexes aired exactly
// once each, in plan order. Planned pads are optional: the plan
// projection drops them before the producer ever sees them and the
// channel covers their window with synthesized fill, so they leave no
// record of their own. A pad record that does exist still has to land
// in plan order.
func sequenceProblem(planned []PlannedSegment, aired []int) (string, bool) {
	j := 0
	for _, seg := range planned {
		if j < len(aired) && aired[j] == seg.Index {
			j++
			continue
		}
		if seg.Type == schedule.SegmentPad {
			continue
		}
		if j < len(aired) {
			return fmt.Sprintf("segment %d aired in position %d", aired[j], j), true
		}
		return fmt.Sprintf("%d of %d planned segments aired", len(aired), len(planned)), true
	}
	if j < len(aired) {
		return fmt.Sprintf("segment %d aired in position %d", aired[j], j), true
	}
	return "", false
}
