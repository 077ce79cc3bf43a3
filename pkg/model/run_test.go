package model

import "testing"

func TestRunFilter_Clamp(t *testing.T) {
	tests := []struct {
		name       string
		input      RunFilter
		wantLimit  int
		wantOffset int
	}{
		{"zero", RunFilter{}, 20, 0},
		{"negative limit", RunFilter{Limit: -5}, 20, 0},
		{"over max", RunFilter{Limit: 200}, 100, 0},
		{"negative offset", RunFilter{Limit: 10, Offset: -3}, 10, 0},
		{"valid", RunFilter{State: RunStateFailed, Limit: 50, Offset: 10}, 50, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.input.Clamp()
			if tt.input.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", tt.input.Limit, tt.wantLimit)
			}
			if tt.input.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d", tt.input.Offset, tt.wantOffset)
			}
		})
	}
}

func TestDefaultRunFilter(t *testing.T) {
	f := DefaultRunFilter()
	if f.Limit != 20 || f.Offset != 0 || f.State != "" {
		t.Errorf("DefaultRunFilter() = %+v", f)
	}
}

func TestParseRunState(t *testing.T) {
	tests := []struct {
		in      string
		want    RunState
		wantErr bool
	}{
		{"", "", false},
		{"completed", RunStateCompleted, false},
		{" Failed ", RunStateFailed, false},
		{"RUNNING", RunStateRunning, false},
		{"done", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRunState(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseRunState(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestEventFilter_Clamp(t *testing.T) {
	tests := []struct {
		name       string
		input      EventFilter
		wantLimit  int
		wantOffset int
	}{
		{"defaults", EventFilter{}, 100, 0},
		{"over max", EventFilter{Limit: 50000}, 10000, 0},
		{"negative offset", EventFilter{Limit: 5, Offset: -1}, 5, 0},
		{"valid", EventFilter{Limit: 250, Offset: 40}, 250, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.input.Clamp()
			if tt.input.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", tt.input.Limit, tt.wantLimit)
			}
			if tt.input.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d", tt.input.Offset, tt.wantOffset)
			}
		})
	}
}
