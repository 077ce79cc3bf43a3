package model

import (
	"fmt"
	"strings"
)

// Algorithm selects the scheduling policy of a kernel instance. The set is closed.
type Algorithm string

const (
	AlgorithmRoundRobin Algorithm = "round-robin"
	AlgorithmPriority   Algorithm = "priority"
	AlgorithmMLFQ       Algorithm = "mlfq"
	AlgorithmEDF        Algorithm = "edf"
)

// Algorithms lists every supported algorithm.
var Algorithms = []Algorithm{AlgorithmRoundRobin, AlgorithmPriority, AlgorithmMLFQ, AlgorithmEDF}

func (a Algorithm) String() string { return string(a) }

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	for _, known := range Algorithms {
		if a == known {
			return true
		}
	}
	return false
}

// ParseAlgorithm accepts the canonical names plus a few common aliases.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "round-robin", "roundrobin", "rr":
		return AlgorithmRoundRobin, nil
	case "priority", "prio":
		return AlgorithmPriority, nil
	case "mlfq", "multi-level-feedback-queue":
		return AlgorithmMLFQ, nil
	case "edf", "earliest-deadline-first":
		return AlgorithmEDF, nil
	}
	return "", fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfiguration, s)
}

func (a *Algorithm) UnmarshalText(b []byte) error {
	v, err := ParseAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
