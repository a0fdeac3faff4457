package features

import (
	"koi-classifier/internal/common"
)

// affineScaler standardizes with fixed parameters and counts calls.
type affineScaler struct {
	names []string
	mean  []float64
	scale []float64
	calls int
}

func newAffineScaler(names []string) *affineScaler {
	s := &affineScaler{names: names, mean: make([]float64, len(names)), scale: make([]float64, len(names))}
	for i := range names {
		s.mean[i] = float64(i)
		s.scale[i] = 2
	}
	return s
}

func (s *affineScaler) FeatureNames() []string { return s.names }

func (s *affineScaler) Transform(m Matrix) (Matrix, error) {
	s.calls++
	out := make(Matrix, len(m))
	for i, row := range m {
		out[i] = make([]float64, len(row))
		for j, v := range row {
			out[i][j] = (v - s.mean[j]) / s.scale[j]
		}
	}
	return out, nil
}

func testMedians() map[string]float64 {
	return map[string]float64{
		common.ColPeriod:   9.75,
		common.ColDuration: 3.79,
		common.ColDepth:    421.1,
		common.ColPrad:     2.39,
		common.ColTeq:      878,
		common.ColInsol:    141.6,
		common.ColModelSNR: 23,
		common.ColSteff:    5767,
		common.ColSlogg:    4.438,
		common.ColSrad:     1,
		common.ColKepmag:   14.52,
		common.ColFlagNT:   0,
		common.ColFlagSS:   0,
		common.ColFlagCO:   0,
		common.ColFlagEC:   0,
	}
}

func sampleRecord() FeatureRecord {
	return FeatureRecord{
		Period:   9.488,
		Duration: 2.9575,
		Depth:    615.8,
		Prad:     2.26,
		Teq:      793,
		Insol:    93.59,
		ModelSNR: 35.8,
		Steff:    5455,
		Slogg:    4.467,
		Srad:     0.927,
		Kepmag:   15.347,
		FlagNT:   1,
	}
}

func sampleMap() map[string]any {
	return map[string]any{
		"koi_period":    9.488,
		"koi_duration":  2.9575,
		"koi_depth":     615.8,
		"koi_prad":      2.26,
		"koi_teq":       793.0,
		"koi_insol":     93.59,
		"koi_model_snr": 35.8,
		"koi_steff":     5455.0,
		"koi_slogg":     4.467,
		"koi_srad":      0.927,
		"koi_kepmag":    15.347,
		"koi_fpflag_nt": 1,
		"koi_fpflag_ss": 0,
		"koi_fpflag_co": 0,
		"koi_fpflag_ec": 0,
	}
}
