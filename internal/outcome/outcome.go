// Package outcome enumerates why a matching or prognosis step produced
// no result. These are expected outcomes of noisy live data, not errors.
package outcome

type Reason int

const (
	// OK means a result was produced.
	OK Reason = iota
	NoCandidateRuns
	NoPositionsMatched
	AmbiguousMatch
	PoorMatch
	MissingStopBracket
	DegenerateShape
	InvalidSample
	StalePosition
)

var names = [...]string{
	OK:                 "ok",
	NoCandidateRuns:    "no_candidate_runs",
	NoPositionsMatched: "no_positions_matched",
	AmbiguousMatch:     "ambiguous_match",
	PoorMatch:          "poor_match",
	MissingStopBracket: "missing_stop_bracket",
	DegenerateShape:    "degenerate_shape",
	InvalidSample:      "invalid_sample",
	StalePosition:      "stale_position",
}

func (r Reason) String() string {
	if r < 0 || int(r) >= len(names) {
		return "unknown"
	}
	return names[r]
}
