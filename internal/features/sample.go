package features

import (
	"encoding/csv"
	"io"
	"math"
	"math/rand"
	"strconv"
)

// SampleOptions shapes synthetic KOI records.
type SampleOptions struct {
	Rows        int
	MissingRate float64 // chance that any single continuous value is blank
	Seed        int64
}

// GenerateSample draws records whose marginals roughly follow the Kepler
// cumulative KOI table. They are for demos and load tests, not training.
func GenerateSample(opts SampleOptions) []FeatureRecord {
	rng := rand.New(rand.NewSource(opts.Seed))
	logNormal := func(median, sigma float64) float64 {
		return median * math.Exp(sigma*rng.NormFloat64())
	}
	bit := func(p float64) float64 {
		if rng.Float64() < p {
			return 1
		}
		return 0
	}

	out := make([]FeatureRecord, opts.Rows)
	for i := range out {
		teq := 300 + rng.Float64()*2200
		srad := logNormal(1, 0.35)
		r := FeatureRecord{
			Period:   math.Exp(math.Log(0.5) + rng.Float64()*(math.Log(500)-math.Log(0.5))),
			Duration: 1 + rng.Float64()*14,
			Depth:    logNormal(420, 1.6),
			Prad:     logNormal(2.4, 1.1),
			Teq:      teq,
			Insol:    math.Pow(teq/278, 4),
			ModelSNR: logNormal(23, 1.2),
			Steff:    5700 + 600*rng.NormFloat64(),
			Slogg:    4.4 + 0.2*rng.NormFloat64(),
			Srad:     srad,
			Kepmag:   11 + rng.Float64()*6,
			FlagNT:   bit(0.2),
			FlagSS:   bit(0.15),
			FlagCO:   bit(0.1),
			FlagEC:   bit(0.1),
		}
		if r.Steff < 2500 {
			r.Steff = 2500
		}
		if opts.MissingRate > 0 {
			for _, col := range ContinuousColumns {
				if rng.Float64() < opts.MissingRate {
					r.set(col, math.NaN())
				}
			}
		}
		out[i] = r
	}
	return out
}

// WriteRecordsCSV writes records with a RawColumns header. Missing values
// are written as empty cells, which LoadCSV reads back as missing.
func WriteRecordsCSV(w io.Writer, records []FeatureRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(RawColumns); err != nil {
		return err
	}
	row := make([]string, len(RawColumns))
	for _, rec := range records {
		for i, v := range rec.Values() {
			if math.IsNaN(v) {
				row[i] = ""
				continue
			}
			row[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
