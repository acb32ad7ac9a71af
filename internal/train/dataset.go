package train

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"trainjobs/internal/job"
	"trainjobs/internal/retry"
)

// Dataset is a numeric feature matrix plus target vector, column order
// matching the schema's input order.
type Dataset struct {
	Inputs  [][]float64
	Targets []float64
}

// Rows returns the number of rows in the dataset.
func (d *Dataset) Rows() int {
	return len(d.Targets)
}

// LoadCSV reads a CSV dataset and projects the schema's input and
// target columns. A missing file, a missing column or an unparseable
// value is terminal; other IO failures are transient.
func LoadCSV(path string, schema job.Schema) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, retry.Terminal(fmt.Errorf("dataset not found: %s", path))
		}
		return nil, retry.Transient(fmt.Errorf("open dataset: %w", err))
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, retry.Terminal(errors.New("dataset is empty"))
		}
		return nil, retry.Terminal(fmt.Errorf("read header: %w", err))
	}

	colIndex := make(map[string]int, len(header))
	for i, name := range header {
		colIndex[name] = i
	}

	inputCols := make([]int, len(schema.Inputs))
	for i, name := range schema.Inputs {
		idx, ok := colIndex[name]
		if !ok {
			return nil, retry.Terminal(fmt.Errorf("input column %q not in dataset", name))
		}
		inputCols[i] = idx
	}
	targetCol, ok := colIndex[schema.Target]
	if !ok {
		return nil, retry.Terminal(fmt.Errorf("target column %q not in dataset", schema.Target))
	}

	ds := &Dataset{}
	for line := 2; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, retry.Terminal(fmt.Errorf("line %d: %w", line, err))
		}

		row := make([]float64, len(inputCols))
		for i, col := range inputCols {
			v, err := parseCell(record, col)
			if err != nil {
				return nil, retry.Terminal(fmt.Errorf("line %d, column %q: %w", line, schema.Inputs[i], err))
			}
			row[i] = v
		}
		target, err := parseCell(record, targetCol)
		if err != nil {
			return nil, retry.Terminal(fmt.Errorf("line %d, column %q: %w", line, schema.Target, err))
		}

		ds.Inputs = append(ds.Inputs, row)
		ds.Targets = append(ds.Targets, target)
	}

	if ds.Rows() == 0 {
		return nil, retry.Terminal(errors.New("dataset has no data rows"))
	}
	return ds, nil
}

func parseCell(record []string, col int) (float64, error) {
	if col >= len(record) {
		return 0, errors.New("row has too few columns")
	}
	v, err := strconv.ParseFloat(record[col], 64)
	if err != nil {
		return 0, fmt.Errorf("value %q is not numeric", record[col])
	}
	return v, nil
}

// split partitions the dataset into train and holdout sets. Rows are
// taken from the tail for the holdout so splits are deterministic.
func (d *Dataset) split(holdoutRatio float64) (train, holdout *Dataset) {
	n := d.Rows()
	holdoutN := int(float64(n) * holdoutRatio)
	if holdoutN < 1 && n > 1 {
		holdoutN = 1
	}
	cut := n - holdoutN

	train = &Dataset{Inputs: d.Inputs[:cut], Targets: d.Targets[:cut]}
	holdout = &Dataset{Inputs: d.Inputs[cut:], Targets: d.Targets[cut:]}
	return train, holdout
}
