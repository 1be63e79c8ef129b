// Package marker classifies captured build tool output by literal markers.
//
// The build tool exit code does not reflect the evaluation result, the only
// reliable signal is the text emitted by the evaluated kernel.
package marker

import "bytes"

// Verdict is the classification of the output seen so far
type Verdict int

// Defines verdicts
const (
	None Verdict = iota
	Success
	Failure
)

func (v Verdict) String() string {
	switch v {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "none"
	}
}

// Detector inspects accumulated output and reports whether a terminal marker appeared
type Detector interface {
	Detect(output []byte) Verdict
}

// DetectorFunc adapts a function into a Detector
type DetectorFunc func([]byte) Verdict

// Detect calls f(output)
func (f DetectorFunc) Detect(output []byte) Verdict {
	return f(output)
}

// Literal matches case sensitive substrings, success is checked first.
// Empty markers never match.
type Literal struct {
	Success string
	Failure string
}

var _ Detector = Literal{}

// Detect implements Detector
func (l Literal) Detect(output []byte) Verdict {
	if l.Success != "" && bytes.Contains(output, []byte(l.Success)) {
		return Success
	}
	if l.Failure != "" && bytes.Contains(output, []byte(l.Failure)) {
		return Failure
	}
	return None
}
