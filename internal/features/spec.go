package features

import (
	"fmt"
	"math"
	"strings"

	"koi-classifier/internal/common"
)

// DefaultSkewed are the heavy-tailed columns compressed with log1p.
var DefaultSkewed = []string{
	common.ColPrad,
	common.ColDepth,
	common.ColTeq,
	common.ColInsol,
	common.ColModelSNR,
}

// DefaultOutputOrder is the column order of the serving scaler artifact.
// Flags sit between the plain continuous columns and the log columns.
var DefaultOutputOrder = []string{
	common.ColPeriod,
	common.ColDuration,
	common.ColFlagNT,
	common.ColFlagSS,
	common.ColFlagCO,
	common.ColFlagEC,
	common.ColSteff,
	common.ColSlogg,
	common.ColSrad,
	common.ColKepmag,
	common.ColPrad + common.LogSuffix,
	common.ColDepth + common.LogSuffix,
	common.ColTeq + common.LogSuffix,
	common.ColInsol + common.LogSuffix,
	common.ColModelSNR + common.LogSuffix,
}

// TransformSpec is the training-time configuration consumed at inference.
type TransformSpec struct {
	Skewed      []string
	Medians     map[string]float64
	OutputOrder []string
}

// DefaultSpec returns the canonical skewed set and output order with the
// given training medians.
func DefaultSpec(medians map[string]float64) TransformSpec {
	m := make(map[string]float64, len(medians))
	for k, v := range medians {
		m[k] = v
	}
	return TransformSpec{
		Skewed:      append([]string(nil), DefaultSkewed...),
		Medians:     m,
		OutputOrder: append([]string(nil), DefaultOutputOrder...),
	}
}

// DerivedColumns lists the columns produced by log compression, in raw
// column order: skewed columns are replaced by their _log counterpart.
func (s TransformSpec) DerivedColumns() []string {
	skewed := toSet(s.Skewed)
	out := make([]string, 0, len(RawColumns))
	for _, col := range RawColumns {
		if skewed[col] {
			out = append(out, col+common.LogSuffix)
			continue
		}
		out = append(out, col)
	}
	return out
}

// Check verifies the spec is internally consistent. It returns a
// *common.TransformContractError describing the first problem found.
func (s TransformSpec) Check() error {
	continuous := toSet(ContinuousColumns)
	seen := make(map[string]bool, len(s.Skewed))
	for _, col := range s.Skewed {
		if !continuous[col] {
			return &common.TransformContractError{Reason: fmt.Sprintf("skewed column %q is not a continuous feature", col)}
		}
		if seen[col] {
			return &common.TransformContractError{Reason: fmt.Sprintf("skewed column %q listed twice", col)}
		}
		seen[col] = true
	}

	for _, col := range RawColumns {
		m, ok := s.Medians[col]
		if !ok {
			return &common.TransformContractError{Reason: fmt.Sprintf("no training median for %q", col)}
		}
		if math.IsNaN(m) || math.IsInf(m, 0) {
			return &common.TransformContractError{Reason: fmt.Sprintf("training median for %q is not finite", col)}
		}
	}

	derived := s.DerivedColumns()
	want := toSet(derived)
	got := make(map[string]bool, len(s.OutputOrder))
	var missing, extra []string
	for _, col := range s.OutputOrder {
		if got[col] {
			return &common.TransformContractError{Reason: fmt.Sprintf("output column %q listed twice", col)}
		}
		got[col] = true
		if !want[col] {
			extra = append(extra, col)
		}
	}
	for _, col := range derived {
		if !got[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		var reasons []string
		if len(missing) > 0 {
			reasons = append(reasons, "output order lacks "+strings.Join(missing, ", "))
		}
		if len(extra) > 0 {
			reasons = append(reasons, "output order has unknown "+strings.Join(extra, ", "))
		}
		return &common.TransformContractError{
			Reason:   strings.Join(reasons, "; "),
			Expected: s.OutputOrder,
			Got:      derived,
		}
	}
	return nil
}

func toSet(cols []string) map[string]bool {
	out := make(map[string]bool, len(cols))
	for _, c := range cols {
		out[c] = true
	}
	return out
}
