package series

import (
	"fmt"
	"sort"
)

// AlignTo interpolates the dataset's values onto the time grid of target,
// series by series. Alignment never crosses series boundaries: series i of
// the model is matched with series i of the target, and sample counts of
// other series play no role. Target times outside a series' range take the
// nearest edge value.
func (d Dataset) AlignTo(target Dataset) (Dataset, error) {
	if len(d.Series) != len(target.Series) {
		return Dataset{}, fmt.Errorf("series count mismatch: model %d, target %d", len(d.Series), len(target.Series))
	}
	out := Dataset{Series: make([]Series, len(d.Series))}
	for i, s := range d.Series {
		if s.Len() == 0 {
			return Dataset{}, fmt.Errorf("series %d: model series is empty", i)
		}
		ts := target.Series[i]
		vals := make([]float64, ts.Len())
		for j, tm := range ts.Times {
			vals[j] = s.interpolate(tm)
		}
		out.Series[i] = Series{
			Steps:  append([]int(nil), ts.Steps...),
			Times:  append([]float64(nil), ts.Times...),
			Values: vals,
		}
	}
	return out, nil
}

// interpolate returns the linearly interpolated value at time tm, clamped
// to the first or last sample outside the series range.
func (s Series) interpolate(tm float64) float64 {
	n := len(s.Times)
	if tm <= s.Times[0] {
		return s.Values[0]
	}
	if tm >= s.Times[n-1] {
		return s.Values[n-1]
	}
	j := sort.SearchFloat64s(s.Times, tm)
	if s.Times[j] == tm {
		return s.Values[j]
	}
	t0, t1 := s.Times[j-1], s.Times[j]
	v0, v1 := s.Values[j-1], s.Values[j]
	return v0 + (tm-t0)/(t1-t0)*(v1-v0)
}

// Residual returns the flattened weighted residual between a model dataset
// and the target: series-major, sample-minor, weight*(model - target). The
// model is aligned onto the target's time grid first.
func Residual(model Dataset, t Target) ([]float64, error) {
	aligned, err := model.AlignTo(t.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to align model output: %w", err)
	}
	w := t.WeightVector()
	r := make([]float64, 0, t.Data.Len())
	k := 0
	for i, ts := range t.Data.Series {
		ms := aligned.Series[i]
		for j := range ts.Values {
			r = append(r, w[k]*(ms.Values[j]-ts.Values[j]))
			k++
		}
	}
	return r, nil
}
