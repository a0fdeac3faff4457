package ml

import "encoding/json"

// Label is a KOI disposition.
type Label int

const (
	Unknown       Label = -1
	FalsePositive Label = 0
	Candidate     Label = 1
	Confirmed     Label = 2
)

// AllLabels lists every label a caller can receive, UNKNOWN included.
var AllLabels = []Label{FalsePositive, Candidate, Confirmed, Unknown}

// LabelFromCode maps a raw model output through the fixed table. Anything
// outside {0,1,2} is Unknown, never coerced.
func LabelFromCode(code int) Label {
	switch code {
	case 0:
		return FalsePositive
	case 1:
		return Candidate
	case 2:
		return Confirmed
	}
	return Unknown
}

func (l Label) String() string {
	switch l {
	case FalsePositive:
		return "FALSE POSITIVE"
	case Candidate:
		return "CANDIDATE"
	case Confirmed:
		return "CONFIRMED"
	}
	return "UNKNOWN"
}

func (l Label) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}
