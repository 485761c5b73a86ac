package experiment

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// #region welford
// Accumulator is a streaming mean/variance (Welford).
type Accumulator struct {
	N    int64   `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"-"`
}

// Add folds one value in.
func (a *Accumulator) Add(x float64) {
	a.N++
	d := x - a.Mean
	a.Mean += d / float64(a.N)
	a.M2 += d * (x - a.Mean)
}

// Variance is the unbiased sample variance; 0 below two samples.
func (a Accumulator) Variance() float64 {
	if a.N < 2 {
		return 0
	}
	return a.M2 / float64(a.N-1)
}

// #endregion welford

// #region analysis
// Analysis is the sequential test of one study stage.
type Analysis struct {
	StudyID        string      `json:"study_id"`
	Stage          int         `json:"stage"`
	Control        Accumulator `json:"control"`
	Treatment      Accumulator `json:"treatment"`
	Effect         float64     `json:"effect"`          // treatment mean - control mean
	RelativeEffect float64     `json:"relative_effect"` // effect / control mean
	Z              float64     `json:"z"`
	PValue         float64     `json:"p_value"`
	Look           int         `json:"look"`
	MaxLooks       int         `json:"max_looks"`
	Boundary       float64     `json:"boundary"`
	Sufficient     bool        `json:"sufficient"` // both arms reached MinSamples
	CanStop        bool        `json:"can_stop"`
}

// analyze runs the two-sample z-test with an O'Brien-Fleming boundary
// z_{α/2}*sqrt(K/k). The look index k grows with the smaller arm's sample
// count in units of MinSamples, capped at K.
func analyze(control, treatment Accumulator, cfg Config) Analysis {
	a := Analysis{Control: control, Treatment: treatment, MaxLooks: cfg.MaxLooks, PValue: 1}
	minN := control.N
	if treatment.N < minN {
		minN = treatment.N
	}
	minSamples := int64(cfg.MinSamples)
	if minSamples < 1 {
		minSamples = 1
	}
	k := cfg.MaxLooks
	if k < 1 {
		k = 1
	}
	a.MaxLooks = k
	a.Look = int(minN / minSamples)
	if a.Look > k {
		a.Look = k
	}
	zAlpha := distuv.UnitNormal.Quantile(1 - cfg.Alpha/2)
	look := a.Look
	if look < 1 {
		look = 1
	}
	a.Boundary = zAlpha * math.Sqrt(float64(k)/float64(look))

	a.Effect = treatment.Mean - control.Mean
	if control.Mean != 0 {
		a.RelativeEffect = a.Effect / math.Abs(control.Mean)
	} else {
		a.RelativeEffect = a.Effect
	}
	if minN < minSamples {
		return a
	}
	a.Sufficient = true

	se := math.Sqrt(control.Variance()/float64(control.N) + treatment.Variance()/float64(treatment.N))
	switch {
	case se > 0:
		a.Z = a.Effect / se
	case a.Effect > 0:
		a.Z = math.Inf(1)
	case a.Effect < 0:
		a.Z = math.Inf(-1)
	}
	a.PValue = 2 * (1 - distuv.UnitNormal.CDF(math.Abs(a.Z)))
	a.CanStop = math.Abs(a.Z) >= a.Boundary && math.Abs(a.RelativeEffect) >= cfg.MDE
	return a
}

// #endregion analysis
