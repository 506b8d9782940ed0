package models

import (
	"fmt"
	"strings"
)

// ClassID identifies one of the two diagnostic classes.
type ClassID int

const (
	Benign    ClassID = 0
	Malignant ClassID = 1
)

var Classes = []ClassID{Benign, Malignant}

func (c ClassID) String() string {
	switch c {
	case Benign:
		return "Benign"
	case Malignant:
		return "Malignant"
	default:
		return fmt.Sprintf("ClassID(%d)", int(c))
	}
}

// Key is the canonical serialized form used in model artifacts.
func (c ClassID) Key() string {
	return fmt.Sprintf("%d", int(c))
}

func (c ClassID) Valid() bool {
	return c == Benign || c == Malignant
}

// ParseClassID accepts every spelling the pipeline has historically produced:
// "0"/"1", "b"/"m" and "benign"/"malignant", case-insensitive.
func ParseClassID(s string) (ClassID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "b", "benign":
		return Benign, nil
	case "1", "m", "malignant":
		return Malignant, nil
	}
	return 0, fmt.Errorf("unrecognized class label %q (expected Benign/Malignant, B/M or 0/1)", s)
}
