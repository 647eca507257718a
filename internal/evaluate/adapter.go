package evaluate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cwbudde/simfit/internal/series"
)

// Adapter is the model I/O boundary: it writes the parameter file an
// evaluation reads and parses the dataset the evaluation writes back. The
// set of adapters is closed; new model conventions get a new named variant
// here rather than a plugin mechanism.
type Adapter interface {
	WriteParameters(dir string, id int, params map[string]float64) error
	ParseOutput(dir string, id int) (series.Dataset, error)
}

// Format selects one of the built-in adapters.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// NewAdapter returns the adapter for a format. An empty format means text.
func NewAdapter(f Format) (Adapter, error) {
	switch f {
	case "", FormatText:
		return TextAdapter{}, nil
	case FormatJSON:
		return JSONAdapter{}, nil
	default:
		return nil, fmt.Errorf("unknown model output format %q", f)
	}
}

// TextAdapter writes <id>_parameters.txt with sorted name=value lines and
// parses <id>_measurement.csv, the classic communication-directory
// convention of simulation wrappers.
type TextAdapter struct{}

func (TextAdapter) WriteParameters(dir string, id int, params map[string]float64) error {
	return writeParameterFile(dir, id, params)
}

func (TextAdapter) ParseOutput(dir string, id int) (series.Dataset, error) {
	path := filepath.Join(dir, fmt.Sprintf("%d_measurement.csv", id))
	f, err := os.Open(path)
	if err != nil {
		return series.Dataset{}, fmt.Errorf("failed to open measurement file: %w", err)
	}
	defer f.Close()

	d, err := series.ParseCSV(f)
	if err != nil {
		return series.Dataset{}, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return d, nil
}

// JSONAdapter writes the same parameter file as TextAdapter and parses
// <id>_measurement.json.
type JSONAdapter struct{}

func (JSONAdapter) WriteParameters(dir string, id int, params map[string]float64) error {
	return writeParameterFile(dir, id, params)
}

func (JSONAdapter) ParseOutput(dir string, id int) (series.Dataset, error) {
	path := filepath.Join(dir, fmt.Sprintf("%d_measurement.json", id))
	f, err := os.Open(path)
	if err != nil {
		return series.Dataset{}, fmt.Errorf("failed to open measurement file: %w", err)
	}
	defer f.Close()

	d, err := series.ParseJSON(f)
	if err != nil {
		return series.Dataset{}, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return d, nil
}

func writeParameterFile(dir string, id int, params map[string]float64) error {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%g\n", name, params[name])
	}
	path := filepath.Join(dir, fmt.Sprintf("%d_parameters.txt", id))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write parameter file: %w", err)
	}
	return nil
}
