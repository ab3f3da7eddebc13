// Package dsl parses and compiles channel programming documents.
//
// A document describes a channel's programming as a schedule map keyed by
// calendar date, weekday name, or "default", with slot lists that may be
// shared through templates. Compiling a document against a broadcast day
// binds every slot to a concrete asset and emits grid-aligned program
// blocks ready for expansion into scheduled segments.
package dsl

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Selection policies for pool and collection content.
const (
	PolicySequential = "sequential"
	PolicyRandom     = "random"
)

// Document is a parsed programming document.
type Document struct {
	Version int    `yaml:"version"`
	Channel string `yaml:"channel"`

	// BroadcastDay pins a document to a single day (YYYY-MM-DD,
	// channel-local). Optional; recurring documents leave it empty and key
	// their schedule by weekday or "default".
	BroadcastDay string `yaml:"broadcast_day,omitempty"`

	// Timezone is the IANA zone slot start times are written in.
	Timezone string `yaml:"timezone"`

	// Templates are named slot lists referenced from schedule entries.
	Templates map[string][]Slot `yaml:"templates,omitempty"`

	// Pools map pool IDs to ordered lists of collection IDs. A pool's
	// candidate list is the concatenation of its collections' members.
	Pools map[string][]string `yaml:"pools,omitempty"`

	// Schedule maps a date ("2026-03-15"), weekday name ("monday"), or
	// "default" to that day's programming.
	Schedule map[string]DayProgram `yaml:"schedule"`

	Notes string `yaml:"notes,omitempty"`
}

// DayProgram is one schedule entry: either a literal slot list or a
// reference to a template.
type DayProgram struct {
	Use   string
	Slots []Slot
}

// UnmarshalYAML decodes either a slot sequence or a { use: name } mapping.
func (d *DayProgram) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		return node.Decode(&d.Slots)
	case yaml.MappingNode:
		var ref struct {
			Use string `yaml:"use"`
		}
		if err := node.Decode(&ref); err != nil {
			return err
		}
		if ref.Use == "" {
			return fmt.Errorf("line %d: schedule entry must be a slot list or { use: <template> }", node.Line)
		}
		d.Use = ref.Use
		return nil
	default:
		return fmt.Errorf("line %d: schedule entry must be a slot list or { use: <template> }", node.Line)
	}
}

// Slot is one scheduled position in a programming day.
type Slot struct {
	// Start is the local wall-clock start, "HH:MM". Hours earlier than the
	// programming day start carry over past midnight into the next calendar
	// date.
	Start string `yaml:"start"`

	// SlotMinutes is the slot's length on the grid.
	SlotMinutes int `yaml:"slot_minutes"`

	// Content selects what airs in the slot.
	Content SlotContent `yaml:"content"`

	// Title overrides the asset title in the EPG when set.
	Title string `yaml:"title,omitempty"`

	Notes string `yaml:"notes,omitempty"`
}

// SlotContent is the content union: a bare asset ID, or a pool/collection
// selector with a policy and optional rating filter.
type SlotContent struct {
	// Asset airs one specific asset. Mutually exclusive with Pool and
	// Collection.
	Asset string

	// Pool selects from a pool defined in the document's pools map.
	Pool string

	// Collection selects directly from a catalog collection.
	Collection string

	// Policy is "sequential" (default) or "random".
	Policy string

	// Ratings, when non-empty, restricts candidates to assets whose rating
	// is in the list.
	Ratings []string
}

// UnmarshalYAML decodes either a scalar asset ID or a selector mapping.
func (c *SlotContent) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&c.Asset)
	case yaml.MappingNode:
		var sel struct {
			Asset      string   `yaml:"asset"`
			Pool       string   `yaml:"pool"`
			Collection string   `yaml:"collection"`
			Policy     string   `yaml:"policy"`
			Ratings    []string `yaml:"ratings"`
		}
		if err := node.Decode(&sel); err != nil {
			return err
		}
		c.Asset = sel.Asset
		c.Pool = sel.Pool
		c.Collection = sel.Collection
		c.Policy = sel.Policy
		c.Ratings = sel.Ratings
		return nil
	default:
		return fmt.Errorf("line %d: content must be an asset ID or a selector mapping", node.Line)
	}
}

// validate checks the union holds exactly one reference and a known policy.
func (c *SlotContent) validate() error {
	refs := 0
	if c.Asset != "" {
		refs++
	}
	if c.Pool != "" {
		refs++
	}
	if c.Collection != "" {
		refs++
	}
	if refs != 1 {
		return fmt.Errorf("content must name exactly one of asset, pool, or collection")
	}
	switch c.Policy {
	case "", PolicySequential, PolicyRandom:
	default:
		return fmt.Errorf("unknown policy %q", c.Policy)
	}
	if c.Asset != "" && (c.Policy != "" || len(c.Ratings) > 0) {
		return fmt.Errorf("policy and ratings only apply to pool or collection content")
	}
	return nil
}

// Validate checks document structure: required fields, loadable timezone,
// parseable slot starts, resolvable template references. Rule-level checks
// (grid alignment, overlap) happen at compile time when the grid is known.
func (doc *Document) Validate() error {
	if doc.Version != 1 {
		return &CompileError{Detail: fmt.Sprintf("unsupported document version %d", doc.Version)}
	}
	if doc.Channel == "" {
		return &CompileError{Detail: "channel is required"}
	}
	if doc.Timezone == "" {
		return &CompileError{Detail: "timezone is required"}
	}
	if _, err := time.LoadLocation(doc.Timezone); err != nil {
		return &CompileError{Detail: fmt.Sprintf("unknown timezone %q", doc.Timezone), Err: err}
	}
	if doc.BroadcastDay != "" {
		if _, err := ParseDay(doc.BroadcastDay); err != nil {
			return &CompileError{Detail: fmt.Sprintf("invalid broadcast_day %q", doc.BroadcastDay), Err: err}
		}
	}
	if len(doc.Schedule) == 0 {
		return &CompileError{Detail: "schedule is empty"}
	}

	for name, slots := range doc.Templates {
		if err := validateSlots(slots); err != nil {
			return &CompileError{Detail: fmt.Sprintf("template %q: %v", name, err)}
		}
	}
	for poolID, collections := range doc.Pools {
		if len(collections) == 0 {
			return &CompileError{Detail: fmt.Sprintf("pool %q has no collections", poolID)}
		}
	}
	for key, day := range doc.Schedule {
		if day.Use != "" {
			if _, ok := doc.Templates[day.Use]; !ok {
				return &CompileError{Detail: fmt.Sprintf("schedule %q references unknown template %q", key, day.Use)}
			}
			continue
		}
		if err := validateSlots(day.Slots); err != nil {
			return &CompileError{Detail: fmt.Sprintf("schedule %q: %v", key, err)}
		}
	}
	return nil
}

func validateSlots(slots []Slot) error {
	if len(slots) == 0 {
		return fmt.Errorf("slot list is empty")
	}
	for i, slot := range slots {
		if _, _, err := parseClock(slot.Start); err != nil {
			return fmt.Errorf("slot %d: %v", i, err)
		}
		if slot.SlotMinutes <= 0 {
			return fmt.Errorf("slot %d (%s): slot_minutes must be positive", i, slot.Start)
		}
		if err := slot.Content.validate(); err != nil {
			return fmt.Errorf("slot %d (%s): %v", i, slot.Start, err)
		}
	}
	return nil
}

// SlotsFor selects the slot list for a broadcast day. Resolution order:
// exact date key, weekday name, "default". Template references are resolved
// here. A document pinned to a different broadcast_day does not cover the
// requested day.
func (doc *Document) SlotsFor(day string) ([]Slot, error) {
	if doc.BroadcastDay != "" && doc.BroadcastDay != day {
		return nil, &CompileError{Detail: fmt.Sprintf("document is pinned to %s, not %s", doc.BroadcastDay, day)}
	}

	date, err := ParseDay(day)
	if err != nil {
		return nil, &CompileError{Detail: fmt.Sprintf("invalid broadcast day %q", day), Err: err}
	}

	keys := []string{day, weekdayKey(date.Weekday()), "default"}
	for _, key := range keys {
		entry, ok := doc.Schedule[key]
		if !ok {
			continue
		}
		if entry.Use != "" {
			slots, ok := doc.Templates[entry.Use]
			if !ok {
				return nil, &CompileError{Detail: fmt.Sprintf("schedule %q references unknown template %q", key, entry.Use)}
			}
			return slots, nil
		}
		return entry.Slots, nil
	}
	return nil, &CompileError{Detail: fmt.Sprintf("no schedule entry covers %s", day)}
}

// ParseDay parses a YYYY-MM-DD broadcast day label.
func ParseDay(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

// FormatDay renders a broadcast day label from a time's date component.
func FormatDay(t time.Time) string {
	return t.Format("2006-01-02")
}

func weekdayKey(d time.Weekday) string {
	switch d {
	case time.Monday:
		return "monday"
	case time.Tuesday:
		return "tuesday"
	case time.Wednesday:
		return "wednesday"
	case time.Thursday:
		return "thursday"
	case time.Friday:
		return "friday"
	case time.Saturday:
		return "saturday"
	default:
		return "sunday"
	}
}

// parseClock parses "HH:MM" into hour and minute.
func parseClock(s string) (hour, minute int, err error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, fmt.Errorf("invalid start %q: want HH:MM", s)
	}
	if _, err := fmt.Sscanf(s, "%02d:%02d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid start %q: want HH:MM", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid start %q: hour 00-23, minute 00-59", s)
	}
	return hour, minute, nil
}
