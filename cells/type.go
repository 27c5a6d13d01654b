package cells

import (
	"fmt"
	"strings"
)

// CellStructureType selects how particles are grouped for pair finding
type CellStructureType int

const (
	// Regular uses fixed-size spatial cells no smaller than the cutoff
	Regular CellStructureType = iota + 1
	// NSquare considers every particle pair without spatial pruning
	NSquare
	// Hybrid keeps selected particle types in an n-square set and the rest
	// in regular cells
	Hybrid
)

func (t CellStructureType) String() string {
	switch t {
	case Regular:
		return "regular"
	case NSquare:
		return "nsquare"
	case Hybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("CellStructureType(%d)", int(t))
	}
}

// Valid reports whether t is one of the known variants
func (t CellStructureType) Valid() bool {
	return t >= Regular && t <= Hybrid
}

// ParseCellStructureType accepts the names returned by String, case-insensitively
func ParseCellStructureType(s string) (CellStructureType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "regular", "regular_decomposition":
		return Regular, nil
	case "nsquare", "n_square":
		return NSquare, nil
	case "hybrid", "hybrid_decomposition":
		return Hybrid, nil
	}
	return 0, fmt.Errorf("unknown cell structure type %q", s)
}

func (t CellStructureType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid cell structure type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *CellStructureType) UnmarshalText(text []byte) error {
	v, err := ParseCellStructureType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
