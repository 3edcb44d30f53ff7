package model

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

//go:embed iris.csv
var irisCSV []byte

// Dataset is a batch of examples with one-hot (or real-valued) labels.
type Dataset struct {
	Features [][]float64
	Labels   [][]float64
}

// NewDataset validates that features and labels are rectangular and aligned.
func NewDataset(features, labels [][]float64) (*Dataset, error) {
	if len(features) == 0 {
		return nil, errors.New("dataset has no examples")
	}
	if len(features) != len(labels) {
		return nil, fmt.Errorf("features/labels mismatch: %d vs %d rows", len(features), len(labels))
	}
	nIn, nOut := len(features[0]), len(labels[0])
	for i := range features {
		if len(features[i]) != nIn {
			return nil, fmt.Errorf("row %d: expected %d features, got %d", i, nIn, len(features[i]))
		}
		if len(labels[i]) != nOut {
			return nil, fmt.Errorf("row %d: expected %d labels, got %d", i, nOut, len(labels[i]))
		}
	}
	return &Dataset{Features: features, Labels: labels}, nil
}

// NumExamples returns the number of rows.
func (d *Dataset) NumExamples() int {
	if d == nil {
		return 0
	}
	return len(d.Features)
}

// NumInputs returns the feature width.
func (d *Dataset) NumInputs() int {
	if d.NumExamples() == 0 {
		return 0
	}
	return len(d.Features[0])
}

// NumOutputs returns the label width.
func (d *Dataset) NumOutputs() int {
	if d.NumExamples() == 0 {
		return 0
	}
	return len(d.Labels[0])
}

// Subset returns the rows at the given indices (rows are shared, not copied).
func (d *Dataset) Subset(indices []int) *Dataset {
	out := &Dataset{
		Features: make([][]float64, 0, len(indices)),
		Labels:   make([][]float64, 0, len(indices)),
	}
	for _, i := range indices {
		out.Features = append(out.Features, d.Features[i])
		out.Labels = append(out.Labels, d.Labels[i])
	}
	return out
}

// Head returns the first n rows.
func (d *Dataset) Head(n int) *Dataset {
	if n > d.NumExamples() {
		n = d.NumExamples()
	}
	return &Dataset{Features: d.Features[:n], Labels: d.Labels[:n]}
}

// NormalizeZeroMeanUnitVariance standardizes every feature column in place.
// Columns with zero variance are only centered.
func (d *Dataset) NormalizeZeroMeanUnitVariance() {
	n := d.NumExamples()
	if n == 0 {
		return
	}
	for j := 0; j < d.NumInputs(); j++ {
		var mean float64
		for i := 0; i < n; i++ {
			mean += d.Features[i][j]
		}
		mean /= float64(n)

		var variance float64
		for i := 0; i < n; i++ {
			diff := d.Features[i][j] - mean
			variance += diff * diff
		}
		std := math.Sqrt(variance / float64(n))

		for i := 0; i < n; i++ {
			d.Features[i][j] -= mean
			if std > 0 {
				d.Features[i][j] /= std
			}
		}
	}
}

// OneHot encodes a class index as a vector of length numClasses.
func OneHot(class, numClasses int) []float64 {
	v := make([]float64, numClasses)
	if class >= 0 && class < numClasses {
		v[class] = 1
	}
	return v
}

// LoadCSV reads a headerless CSV whose last column is an integer class label.
func LoadCSV(r io.Reader, numClasses int) (*Dataset, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("numClasses must be positive, got %d", numClasses)
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	var features, labels [][]float64
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("line %d: need at least one feature and a label", line)
		}

		row := make([]float64, len(record)-1)
		for j, field := range record[:len(record)-1] {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", line, j+1, err)
			}
			row[j] = v
		}

		class, err := strconv.Atoi(strings.TrimSpace(record[len(record)-1]))
		if err != nil {
			return nil, fmt.Errorf("line %d label: %w", line, err)
		}
		if class < 0 || class >= numClasses {
			return nil, fmt.Errorf("line %d: class %d outside [0,%d)", line, class, numClasses)
		}

		features = append(features, row)
		labels = append(labels, OneHot(class, numClasses))
	}

	return NewDataset(features, labels)
}

// Iris returns a fresh copy of the built-in iris sample (30 rows, 4 features,
// 3 classes, classes interleaved).
func Iris() *Dataset {
	d, err := LoadCSV(bytes.NewReader(irisCSV), 3)
	if err != nil {
		panic(fmt.Sprintf("model: embedded iris data is invalid: %v", err))
	}
	return d
}
