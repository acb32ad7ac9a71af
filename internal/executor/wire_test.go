package executor

import (
	"bufio"
	"strings"
	"testing"
)

func TestWriteAndParseEvent(t *testing.T) {
	t.Parallel()
	var buf strings.Builder
	events := []WireEvent{
		{Event: WireJobStarted},
		{Event: WireStepStarted, Step: "train", Attempt: 1},
		{Event: WireStepRetrying, Step: "load_data", Attempt: 2, Error: "io hiccup"},
		{Event: WireStepFailed, Step: "train", Error: "boom"},
	}
	for _, ev := range events {
		if err := WriteEvent(&buf, ev); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(buf.String()))
	var parsed []WireEvent
	for scanner.Scan() {
		ev, ok := ParseEvent(scanner.Text())
		if !ok {
			t.Fatalf("line not recognized as event: %q", scanner.Text())
		}
		parsed = append(parsed, ev)
	}

	if len(parsed) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(parsed))
	}
	for i, ev := range parsed {
		if ev != events[i] {
			t.Errorf("event %d = %+v, want %+v", i, ev, events[i])
		}
	}
}

func TestParseEventOrdinaryOutput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		line string
	}{
		{"plain output", "loading dataset from /data/train.csv"},
		{"empty line", ""},
		{"tag with invalid json", "@evt {not json"},
		{"tag with missing event", `@evt {"step":"train"}`},
		{"tag mid-line", `progress @evt {"event":"step_started"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, ok := ParseEvent(tt.line); ok {
				t.Errorf("expected line to be treated as ordinary output: %q", tt.line)
			}
		})
	}
}
