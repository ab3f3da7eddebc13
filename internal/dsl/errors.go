package dsl

import "fmt"

// CompileError indicates the document itself is unusable: parse failures,
// missing required fields, unknown template references, no schedule for the
// requested day. Compilation is deterministic, so retries are pointless.
type CompileError struct {
	Document string // file path or document name, may be empty
	Detail   string
	Err      error
}

func (e *CompileError) Error() string {
	if e.Document != "" {
		return fmt.Sprintf("compile %s: %s", e.Document, e.Detail)
	}
	return "compile: " + e.Detail
}

func (e *CompileError) Unwrap() error { return e.Err }

// ValidationError indicates a structurally sound document that violates a
// scheduling rule: grid misalignment, overlapping slots, a slot shorter than
// its content. Carries the offending slot so operators can find it.
type ValidationError struct {
	Day       string // broadcast day being compiled
	SlotIndex int    // index within the day's slot list, -1 if not slot-scoped
	SlotStart string // local "HH:MM" of the offending slot, may be empty
	Detail    string
}

func (e *ValidationError) Error() string {
	if e.SlotIndex >= 0 {
		return fmt.Sprintf("validate %s slot %d (%s): %s", e.Day, e.SlotIndex, e.SlotStart, e.Detail)
	}
	return fmt.Sprintf("validate %s: %s", e.Day, e.Detail)
}

// AssetResolutionError indicates the catalog could not supply what a slot
// asked for: missing asset or pool, or no candidates left after filtering.
type AssetResolutionError struct {
	Ref    string // asset, pool, or collection reference
	Detail string
	Err    error
}

func (e *AssetResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %s", e.Ref, e.Detail)
}

func (e *AssetResolutionError) Unwrap() error { return e.Err }
