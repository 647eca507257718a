package series

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// FinishedMarker terminates a simulation output file. Everything after it
// is ignored.
const FinishedMarker = "FINISHED"

// ParseCSV reads step,time,value rows into a dataset. A new series starts
// whenever the step or the time decreases relative to the previous row.
// Blank lines are skipped and a trailing FINISHED marker row is accepted.
func ParseCSV(r io.Reader) (Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var (
		d        Dataset
		cur      Series
		row      int
		prevStep int
		prevTime float64
	)
	flush := func() {
		if cur.Len() > 0 {
			d.Series = append(d.Series, cur)
			cur = Series{}
		}
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Dataset{}, fmt.Errorf("failed to read csv: %w", err)
		}
		row++
		if len(rec) > 0 && strings.TrimSpace(rec[0]) == FinishedMarker {
			break
		}
		if len(rec) != 3 {
			return Dataset{}, fmt.Errorf("row %d: expected step,time,value, got %d fields", row, len(rec))
		}
		step, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return Dataset{}, fmt.Errorf("row %d: invalid step: %w", row, err)
		}
		tm, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			return Dataset{}, fmt.Errorf("row %d: invalid time: %w", row, err)
		}
		val, err := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
		if err != nil {
			return Dataset{}, fmt.Errorf("row %d: invalid value: %w", row, err)
		}
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return Dataset{}, fmt.Errorf("row %d: non-finite value", row)
		}

		if cur.Len() > 0 && (step < prevStep || tm < prevTime) {
			flush()
		}
		cur.Steps = append(cur.Steps, step)
		cur.Times = append(cur.Times, tm)
		cur.Values = append(cur.Values, val)
		prevStep, prevTime = step, tm
	}
	flush()

	if d.NumSeries() == 0 {
		return Dataset{}, errors.New("no samples")
	}
	return d, nil
}

// ParseJSON reads a dataset from its JSON document form, a "series" array
// of step/time/value columns.
func ParseJSON(r io.Reader) (Dataset, error) {
	var d Dataset
	dec := json.NewDecoder(r)
	if err := dec.Decode(&d); err != nil {
		return Dataset{}, fmt.Errorf("failed to decode json: %w", err)
	}
	if d.NumSeries() == 0 {
		return Dataset{}, errors.New("no samples")
	}
	for i, s := range d.Series {
		if s.Len() == 0 {
			return Dataset{}, fmt.Errorf("series %d: empty", i)
		}
		if len(s.Times) != len(s.Values) || (len(s.Steps) != 0 && len(s.Steps) != len(s.Values)) {
			return Dataset{}, fmt.Errorf("series %d: column lengths differ", i)
		}
		for j, v := range s.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Dataset{}, fmt.Errorf("series %d sample %d: non-finite value", i, j)
			}
		}
	}
	return d, nil
}
