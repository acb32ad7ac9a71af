package train

import (
	"strings"
	"testing"

	"trainjobs/internal/job"
	"trainjobs/internal/retry"
)

func TestLoadCSV(t *testing.T) {
	t.Parallel()
	path := writeDataset(t, sampleCSV)
	schema := job.Schema{Inputs: []string{"rooms", "size"}, Target: "price"}

	ds, err := LoadCSV(path, schema)
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	if ds.Rows() != 5 {
		t.Fatalf("expected 5 rows, got %d", ds.Rows())
	}
	// Column projection follows schema order, not file order.
	if ds.Inputs[0][0] != 2 || ds.Inputs[0][1] != 50 {
		t.Errorf("row 0 inputs = %v, want [2 50]", ds.Inputs[0])
	}
	if ds.Targets[4] != 180 {
		t.Errorf("row 4 target = %v, want 180", ds.Targets[4])
	}
}

func TestLoadCSVErrors(t *testing.T) {
	t.Parallel()
	schema := job.Schema{Inputs: []string{"size"}, Target: "price"}

	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantMsg string
	}{
		{
			"missing file",
			func(t *testing.T) string { return "/nonexistent/dataset.csv" },
			"not found",
		},
		{
			"empty file",
			func(t *testing.T) string { return writeDataset(t, "") },
			"empty",
		},
		{
			"missing input column",
			func(t *testing.T) string { return writeDataset(t, "a,price\n1,2\n") },
			`input column "size"`,
		},
		{
			"missing target column",
			func(t *testing.T) string { return writeDataset(t, "size,a\n1,2\n") },
			`target column "price"`,
		},
		{
			"non-numeric value",
			func(t *testing.T) string { return writeDataset(t, "size,price\nbig,2\n") },
			"not numeric",
		},
		{
			"header only",
			func(t *testing.T) string { return writeDataset(t, "size,price\n") },
			"no data rows",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadCSV(tt.path(t), schema)
			if err == nil {
				t.Fatal("expected error")
			}
			if retry.IsTransient(err) {
				t.Errorf("expected terminal classification for %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestDatasetSplit(t *testing.T) {
	t.Parallel()
	ds := &Dataset{
		Inputs:  [][]float64{{1}, {2}, {3}, {4}, {5}},
		Targets: []float64{1, 2, 3, 4, 5},
	}

	train, holdout := ds.split(0.2)
	if train.Rows() != 4 || holdout.Rows() != 1 {
		t.Fatalf("split sizes = %d/%d, want 4/1", train.Rows(), holdout.Rows())
	}
	if holdout.Targets[0] != 5 {
		t.Errorf("holdout should take tail rows, got target %v", holdout.Targets[0])
	}

	// A tiny dataset still holds out at least one row.
	tiny := &Dataset{Inputs: [][]float64{{1}, {2}}, Targets: []float64{1, 2}}
	train, holdout = tiny.split(0.1)
	if train.Rows() != 1 || holdout.Rows() != 1 {
		t.Errorf("tiny split = %d/%d, want 1/1", train.Rows(), holdout.Rows())
	}
}
