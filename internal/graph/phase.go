package graph

import "strings"

const phaseLabelPrefix = "phase:"

// phaseOrder maps known phase tags to their position in the delivery
// pipeline. Tasks without a phase label sit outside phase ordering.
var phaseOrder = map[string]int{
	"design": 0,
	"build":  1,
	"test":   2,
	"deploy": 3,
}

// PhaseOf extracts the phase tag from a task's labels, or "" when the task
// carries none. The first phase label wins.
func PhaseOf(t Task) string {
	for _, label := range t.Labels {
		if strings.HasPrefix(label, phaseLabelPrefix) {
			return strings.ToLower(strings.TrimPrefix(label, phaseLabelPrefix))
		}
	}
	return ""
}

// PhaseRank returns the ordering rank of a phase tag, and whether the tag is
// a known phase.
func PhaseRank(phase string) (int, bool) {
	rank, ok := phaseOrder[phase]
	return rank, ok
}

// PhaseBefore reports whether phase a is strictly earlier than phase b.
// Unknown or empty phases never order against anything.
func PhaseBefore(a, b string) bool {
	ra, aok := phaseOrder[a]
	rb, bok := phaseOrder[b]
	return aok && bok && ra < rb
}
