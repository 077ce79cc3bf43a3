package model

import (
	"errors"
	"testing"
)

func TestPriority_Raise(t *testing.T) {
	tests := []struct {
		p     Priority
		steps int
		want  Priority
	}{
		{PriorityIdle, 1, PriorityLow},
		{PriorityLow, 2, PriorityHigh},
		{PriorityHigh, 5, PriorityCritical},
		{PriorityCritical, 1, PriorityCritical},
		{PriorityNormal, 0, PriorityNormal},
		{PriorityNormal, -1, PriorityNormal},
	}
	for _, tt := range tests {
		if got := tt.p.Raise(tt.steps); got != tt.want {
			t.Errorf("%s.Raise(%d) = %s, want %s", tt.p, tt.steps, got, tt.want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("HIGH")
	if err != nil || p != PriorityHigh {
		t.Fatalf("ParsePriority(HIGH) = %v, %v", p, err)
	}
	if _, err := ParsePriority("urgent"); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("err = %v, want ErrInvalidPriority", err)
	}
}

func TestPriority_Text(t *testing.T) {
	var p Priority
	if err := p.UnmarshalText([]byte("critical")); err != nil {
		t.Fatal(err)
	}
	b, err := p.MarshalText()
	if err != nil || string(b) != "critical" {
		t.Errorf("MarshalText() = %q, %v", b, err)
	}
	if _, err := Priority(9).MarshalText(); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("err = %v, want ErrInvalidPriority", err)
	}
	if got := Priority(9).String(); got != "priority(9)" {
		t.Errorf("String() = %q", got)
	}
}

func TestProcessPriority_ThreadPriority(t *testing.T) {
	tests := []struct {
		class ProcessPriority
		want  Priority
	}{
		{ProcessPriorityIdle, PriorityIdle},
		{ProcessPriorityLow, PriorityLow},
		{ProcessPriorityNormal, PriorityNormal},
		{ProcessPriorityHigh, PriorityHigh},
		{ProcessPrioritySystem, PriorityCritical},
	}
	for _, tt := range tests {
		if got := tt.class.ThreadPriority(); got != tt.want {
			t.Errorf("%s.ThreadPriority() = %s, want %s", tt.class, got, tt.want)
		}
	}
}

func TestParseProcessPriority(t *testing.T) {
	var p ProcessPriority
	if err := p.UnmarshalText([]byte("system")); err != nil || p != ProcessPrioritySystem {
		t.Fatalf("UnmarshalText(system) = %v, %v", p, err)
	}
	if _, err := ParseProcessPriority("critical"); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("err = %v, want ErrInvalidPriority", err)
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"rr", AlgorithmRoundRobin, false},
		{"Round-Robin", AlgorithmRoundRobin, false},
		{"prio", AlgorithmPriority, false},
		{" mlfq ", AlgorithmMLFQ, false},
		{"earliest-deadline-first", AlgorithmEDF, false},
		{"fifo", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAlgorithm(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("ParseAlgorithm(%q) err = %v, want ErrInvalidConfiguration", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseAlgorithm(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
		}
	}
	if Algorithm("fifo").Valid() {
		t.Error("fifo should not be valid")
	}
}
