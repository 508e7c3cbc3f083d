package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/internal/metrics"
	"github.com/adlift/mmx/internal/model"
	"github.com/adlift/mmx/internal/transform"
	"github.com/adlift/mmx/pkg/tensor"
)

// scaledData holds the forward-transformed view of a merged DataTensors
// bundle, ready for the outcome predictor. Frequency tensors stay on the
// raw scale; the fitted scaler applies to reach only.
type scaledData struct {
	media            *tensor.Dense // (geo, media_time, nM)
	reach            *tensor.Dense // (geo, media_time, nRF)
	frequency        *tensor.Dense // (geo, media_time, nRF), raw
	organicMedia     *tensor.Dense
	organicReach     *tensor.Dense
	organicFrequency *tensor.Dense
	nonMedia         *tensor.Dense // (geo, time, nN)
	controls         *tensor.Dense // (geo, time, nC)
	revenuePerKPI    *tensor.Dense // (geo, time), raw

	nMediaTimes int
	nTimes      int
}

func (sd *scaledData) clone() *scaledData {
	c := *sd
	cp := func(t *tensor.Dense) *tensor.Dense {
		if t == nil {
			return nil
		}
		return t.Clone()
	}
	c.media = cp(sd.media)
	c.reach = cp(sd.reach)
	c.frequency = cp(sd.frequency)
	c.organicMedia = cp(sd.organicMedia)
	c.organicReach = cp(sd.organicReach)
	c.organicFrequency = cp(sd.organicFrequency)
	c.nonMedia = cp(sd.nonMedia)
	return &c
}

// scaledData merges d with the model's originals and applies the fitted
// forward transforms.
func (a *Analyzer) scaledData(d DataTensors, flexibleTimes bool) (*scaledData, error) {
	merged := d.fillMissing(a.m)
	nMediaTimes, nTimes, err := merged.validate(a.m, flexibleTimes)
	if err != nil {
		return nil, err
	}
	sd := &scaledData{nMediaTimes: nMediaTimes, nTimes: nTimes, revenuePerKPI: merged.RevenuePerKPI}
	fwd := func(t *tensor.Dense, tx *transform.ColumnAffine) (*tensor.Dense, error) {
		if t == nil {
			return nil, nil
		}
		return tx.Forward(t)
	}
	if sd.media, err = fwd(merged.Media, a.m.MediaTx); err != nil {
		return nil, err
	}
	if sd.reach, err = fwd(merged.Reach, a.m.ReachTx); err != nil {
		return nil, err
	}
	sd.frequency = merged.Frequency
	if sd.organicMedia, err = fwd(merged.OrganicMedia, a.m.OrganicMediaTx); err != nil {
		return nil, err
	}
	if sd.organicReach, err = fwd(merged.OrganicReach, a.m.OrganicReachTx); err != nil {
		return nil, err
	}
	sd.organicFrequency = merged.OrganicFrequency
	if sd.nonMedia, err = fwd(merged.NonMediaTreatments, a.m.NonMediaTx); err != nil {
		return nil, err
	}
	if sd.controls, err = fwd(merged.Controls, a.m.ControlsTx); err != nil {
		return nil, err
	}
	return sd, nil
}

// family describes one adstock+Hill channel family in canonical
// concatenation order. The closed list replaces per-family branching.
type family struct {
	name  string
	n     int
	rf    bool
	alpha string
	ec    string
	slope string
	beta  string

	execution func(sd *scaledData) *tensor.Dense // media for media-like, reach for RF
	frequency func(sd *scaledData) *tensor.Dense // nil for media-like
}

func (a *Analyzer) families(includeNonPaid bool) []family {
	fams := make([]family, 0, 4)
	if a.m.HasMedia() {
		fams = append(fams, family{
			name: "media", n: a.m.Dims.NMediaChannels,
			alpha: model.ParamAlphaM, ec: model.ParamECM, slope: model.ParamSlopeM, beta: model.ParamBetaGM,
			execution: func(sd *scaledData) *tensor.Dense { return sd.media },
		})
	}
	if a.m.HasRF() {
		fams = append(fams, family{
			name: "rf", n: a.m.Dims.NRFChannels, rf: true,
			alpha: model.ParamAlphaRF, ec: model.ParamECRF, slope: model.ParamSlopeRF, beta: model.ParamBetaGRF,
			execution: func(sd *scaledData) *tensor.Dense { return sd.reach },
			frequency: func(sd *scaledData) *tensor.Dense { return sd.frequency },
		})
	}
	if !includeNonPaid {
		return fams
	}
	if a.m.HasOrganicMedia() {
		fams = append(fams, family{
			name: "organic_media", n: a.m.Dims.NOrganicMediaChannels,
			alpha: model.ParamAlphaOM, ec: model.ParamECOM, slope: model.ParamSlopeOM, beta: model.ParamBetaGOM,
			execution: func(sd *scaledData) *tensor.Dense { return sd.organicMedia },
		})
	}
	if a.m.HasOrganicRF() {
		fams = append(fams, family{
			name: "organic_rf", n: a.m.Dims.NOrganicRFChannels, rf: true,
			alpha: model.ParamAlphaORF, ec: model.ParamECORF, slope: model.ParamSlopeORF, beta: model.ParamBetaGORF,
			execution: func(sd *scaledData) *tensor.Dense { return sd.organicReach },
			frequency: func(sd *scaledData) *tensor.Dense { return sd.organicFrequency },
		})
	}
	return fams
}

// param fetches a required draw tensor, failing fast when a family's
// primary data tensor is present but its parameters are not.
func param(g model.Group, name string) (*tensor.Dense, error) {
	t, ok := g[name]
	if !ok || t == nil {
		return nil, fmt.Errorf("%w: draw group is missing parameter %q", errs.ErrConfigInconsistency, name)
	}
	return t, nil
}

// mulBroadcast multiplies a (chain, draw, geo, time, channel) tensor by a
// (geo, time, channel) tensor elementwise.
func mulBroadcast(batch5, data3 *tensor.Dense) *tensor.Dense {
	nc, nd := batch5.Dim(0), batch5.Dim(1)
	g, t, ch := data3.Dim(0), data3.Dim(1), data3.Dim(2)
	out := batch5.Clone()
	data := out.Data()
	block := g * t * ch
	for c := 0; c < nc; c++ {
		for d := 0; d < nd; d++ {
			base := (c*nd + d) * block
			for i, v := range data3.Data() {
				data[base+i] *= v
			}
		}
	}
	return out
}

// familyEffect runs one family through its transform chain for the given
// draw batch: media-like families get adstock then Hill on the execution
// tensor; RF families get Hill on frequency, multiplied by reach, then
// adstock. The result is (chain, draw, geo, nTimes, family-channels).
func (a *Analyzer) familyEffect(fam family, g model.Group, sd *scaledData) (effect, beta *tensor.Dense, err error) {
	alpha, err := param(g, fam.alpha)
	if err != nil {
		return nil, nil, err
	}
	ec, err := param(g, fam.ec)
	if err != nil {
		return nil, nil, err
	}
	slope, err := param(g, fam.slope)
	if err != nil {
		return nil, nil, err
	}
	beta, err = param(g, fam.beta)
	if err != nil {
		return nil, nil, err
	}
	adstock := &transform.Adstock{Alpha: alpha, MaxLag: a.m.Dims.MaxLag, NTimesOutput: sd.nTimes}
	hill := &transform.Hill{EC: ec, Slope: slope}
	if fam.rf {
		satFreq, err := hill.Forward(fam.frequency(sd))
		if err != nil {
			return nil, nil, fmt.Errorf("%s frequency: %w", fam.name, err)
		}
		effect, err = adstock.Forward(mulBroadcast(satFreq, fam.execution(sd)))
		if err != nil {
			return nil, nil, fmt.Errorf("%s reach: %w", fam.name, err)
		}
		return effect, beta, nil
	}
	adstocked, err := adstock.Forward(fam.execution(sd))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", fam.name, err)
	}
	effect, err = hill.Forward(adstocked)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", fam.name, err)
	}
	return effect, beta, nil
}

// combined concatenates every present family's saturated effect and
// coefficient draws along the channel axis.
func (a *Analyzer) combined(g model.Group, sd *scaledData, includeNonPaid bool) (effect, beta *tensor.Dense, err error) {
	fams := a.families(includeNonPaid)
	if len(fams) == 0 {
		return nil, nil, nil
	}
	effects := make([]*tensor.Dense, 0, len(fams))
	betas := make([]*tensor.Dense, 0, len(fams))
	for _, fam := range fams {
		e, b, err := a.familyEffect(fam, g, sd)
		if err != nil {
			return nil, nil, err
		}
		effects = append(effects, e)
		betas = append(betas, b)
	}
	if effect, err = tensor.Concat(4, effects...); err != nil {
		return nil, nil, err
	}
	if beta, err = tensor.Concat(3, betas...); err != nil {
		return nil, nil, err
	}
	return effect, beta, nil
}

// outcomeBatch evaluates the linear predictor on the standardized outcome
// scale for one draw batch:
//
//	mu_t + tau_g + sum_ch effect*beta + sum_c controls*gamma_c + sum_n nonmedia*gamma_n
//
// shaped (chain, draw, geo, time). Every family present in the snapshot
// contributes; absent families are skipped.
func (a *Analyzer) outcomeBatch(g model.Group, sd *scaledData) (*tensor.Dense, error) {
	muT, err := param(g, model.ParamMuT)
	if err != nil {
		return nil, err
	}
	tauG, err := param(g, model.ParamTauG)
	if err != nil {
		return nil, err
	}
	nChains, nDraws := muT.Dim(0), muT.Dim(1)
	nGeos, nTimes := a.m.Dims.NGeos, sd.nTimes
	if muT.Dim(2) != nTimes {
		return nil, fmt.Errorf("%w: mu_t has %d times, want %d", errs.ErrShapeMismatch, muT.Dim(2), nTimes)
	}

	out := tensor.New(nChains, nDraws, nGeos, nTimes)
	for c := 0; c < nChains; c++ {
		for d := 0; d < nDraws; d++ {
			for geo := 0; geo < nGeos; geo++ {
				tau := tauG.At(c, d, geo)
				for t := 0; t < nTimes; t++ {
					out.Set(muT.At(c, d, t)+tau, c, d, geo, t)
				}
			}
		}
	}

	effect, beta, err := a.combined(g, sd, true)
	if err != nil {
		return nil, err
	}
	if effect != nil {
		addContraction(out, effect, beta)
	}

	if err := addCoefContribution(out, sd.controls, g, model.ParamGammaGC); err != nil {
		return nil, err
	}
	if sd.nonMedia != nil {
		if err := addCoefContribution(out, sd.nonMedia, g, model.ParamGammaGN); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// addContraction accumulates sum_ch effect[c,d,g,t,ch]*beta[c,d,g,ch]
// into out[c,d,g,t].
func addContraction(out, effect, beta *tensor.Dense) {
	nc, nd, ng, nt, nk := effect.Dim(0), effect.Dim(1), effect.Dim(2), effect.Dim(3), effect.Dim(4)
	for c := 0; c < nc; c++ {
		for d := 0; d < nd; d++ {
			for g := 0; g < ng; g++ {
				for t := 0; t < nt; t++ {
					s := out.At(c, d, g, t)
					for k := 0; k < nk; k++ {
						s += effect.At(c, d, g, t, k) * beta.At(c, d, g, k)
					}
					out.Set(s, c, d, g, t)
				}
			}
		}
	}
}

// addCoefContribution accumulates sum_k data[g,t,k]*coef[c,d,g,k] into
// out[c,d,g,t], for controls and non-media treatments.
func addCoefContribution(out, data *tensor.Dense, g model.Group, coefName string) error {
	if data == nil || data.Dim(2) == 0 {
		return nil
	}
	coef, err := param(g, coefName)
	if err != nil {
		return err
	}
	nc, nd := out.Dim(0), out.Dim(1)
	ng, nt, nk := data.Dim(0), data.Dim(1), data.Dim(2)
	for c := 0; c < nc; c++ {
		for d := 0; d < nd; d++ {
			for geo := 0; geo < ng; geo++ {
				for t := 0; t < nt; t++ {
					s := out.At(c, d, geo, t)
					for k := 0; k < nk; k++ {
						s += data.At(geo, t, k) * coef.At(c, d, geo, k)
					}
					out.Set(s, c, d, geo, t)
				}
			}
		}
	}
	return nil
}

// sliceDraws slices every parameter in the group to the half-open draw
// range [lo, hi).
func sliceDraws(g model.Group, lo, hi int) model.Group {
	out := make(model.Group, len(g))
	for name, t := range g {
		out[name] = t.SliceAxis(1, lo, hi)
	}
	return out
}

// runBatched partitions the draw axis into consecutive chunks of at most
// batchSize draws, evaluates fn per chunk, and concatenates the chunk
// outputs along the draw axis in order. Batching bounds memory and never
// changes the result: each draw's computation is independent and the
// concatenation restores the original order.
func (a *Analyzer) runBatched(ctx context.Context, g model.Group, dist string, batchSize int, fn func(model.Group) (*tensor.Dense, error)) (*tensor.Dense, error) {
	_, span := a.tracer.Start(ctx, "analyzer.runBatched")
	defer span.End()

	_, nDraws := g.ChainsAndDraws()
	if nDraws == 0 {
		return nil, fmt.Errorf("%w: draw group is empty", errs.ErrNotFitted)
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	var chunks []*tensor.Dense
	for lo := 0; lo < nDraws; lo += batchSize {
		hi := lo + batchSize
		if hi > nDraws {
			hi = nDraws
		}
		start := time.Now()
		out, err := fn(sliceDraws(g, lo, hi))
		if err != nil {
			return nil, err
		}
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
		metrics.BatchesProcessed.WithLabelValues(dist).Inc()
		metrics.DrawsProcessed.Add(float64(hi - lo))
		chunks = append(chunks, out)
	}
	if len(chunks) == 1 {
		return chunks[0], nil
	}
	return tensor.Concat(1, chunks...)
}
