// Package score aggregates the opaque events appended to the event log
// into a per-module reliability summary: how many events a module
// generated, how many of those were failures, and when it was last seen.
// The core only parses the event envelope (schema_version, recorded_at,
// machine_id); the event payload itself stays opaque except for two
// conventional fields ("module_id" and "success") pulled out with gjson
// path queries rather than a fixed struct, since any event shape a caller
// chooses to record should still score if it happens to carry those keys.
package score

import (
	"sort"

	"github.com/tidwall/gjson"

	"github.com/liqiongyu/agentpack/internal/events"
	"github.com/liqiongyu/agentpack/internal/manifest"
	"github.com/liqiongyu/agentpack/internal/schema"
)

func init() {
	schema.Register(schema.LabelModuleScore, ModuleScore{})
}

// ModuleScore is one module's aggregated reliability record.
type ModuleScore struct {
	ModuleID    string   `json:"module_id"`
	Total       uint64   `json:"total"`
	Failures    uint64   `json:"failures"`
	FailureRate *float64 `json:"failure_rate,omitempty"`
	LastSeenAt  *string  `json:"last_seen_at,omitempty"`
}

// Result is the full output of Compute.
type Result struct {
	Modules   []ModuleScore    `json:"modules"`
	ReadStats events.ReadStats `json:"read_stats"`
}

type accum struct {
	total      uint64
	failures   uint64
	lastSeenAt string
}

// Compute aggregates records (as read from the event log) into one
// ModuleScore per module_id that appears in at least one event, or that
// is declared in m (so a module with zero events still shows up with
// total=0 and a nil failure_rate). readStats, the reader's count of lines
// it skipped (malformed JSON, unsupported schema_version, I/O errors), is
// returned unchanged as read_stats. Compute itself returns no error and no
// warnings.
func Compute(records []events.Record, readStats events.ReadStats, m *manifest.Manifest) Result {
	byModule := make(map[string]*accum)

	for _, rec := range records {
		moduleID := eventModuleID(rec.Event)
		if moduleID == "" {
			continue
		}
		entry, ok := byModule[moduleID]
		if !ok {
			entry = &accum{}
			byModule[moduleID] = entry
		}
		entry.total++
		if !eventSuccess(rec.Event) {
			entry.failures++
		}
		if entry.lastSeenAt == "" || entry.lastSeenAt < rec.RecordedAt {
			entry.lastSeenAt = rec.RecordedAt
		}
	}

	if m != nil {
		for _, mod := range m.Modules {
			if _, ok := byModule[mod.ID]; !ok {
				byModule[mod.ID] = &accum{}
			}
		}
	}

	out := make([]ModuleScore, 0, len(byModule))
	for id, a := range byModule {
		s := ModuleScore{ModuleID: id, Total: a.total, Failures: a.failures}
		if a.total > 0 {
			rate := float64(a.failures) / float64(a.total)
			s.FailureRate = &rate
			lastSeen := a.lastSeenAt
			s.LastSeenAt = &lastSeen
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if c := compareFailureRate(out[i], out[j]); c != 0 {
			return c < 0
		}
		return out[i].ModuleID < out[j].ModuleID
	})

	return Result{Modules: out, ReadStats: readStats}
}

// eventModuleID extracts the "module_id" field from an opaque event
// payload via a gjson path query, returning "" if absent or not a string.
func eventModuleID(event []byte) string {
	result := gjson.GetBytes(event, "module_id")
	if !result.Exists() || result.Type.String() != "String" {
		return ""
	}
	return result.String()
}

// eventSuccess extracts the "success" field from an opaque event payload,
// defaulting to true (not a failure) when the field is absent, matching
// the original tool's "unknown defaults to success" stance so an event
// shape that never records outcome doesn't poison every module's score.
func eventSuccess(event []byte) bool {
	result := gjson.GetBytes(event, "success")
	if !result.Exists() {
		return true
	}
	return result.Bool()
}

// compareFailureRate orders a before b when a has a worse (higher)
// failure rate; modules with zero events sort last, mirroring the
// original tool's score ranking so the least reliable modules surface
// first.
func compareFailureRate(a, b ModuleScore) int {
	switch {
	case a.Total == 0 && b.Total == 0:
		return 0
	case a.Total == 0:
		return 1
	case b.Total == 0:
		return -1
	}
	left := a.Failures * b.Total
	right := b.Failures * a.Total
	switch {
	case left > right:
		return -1
	case left < right:
		return 1
	default:
		return 0
	}
}
