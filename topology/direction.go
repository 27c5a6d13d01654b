package topology

import (
	"fmt"
)

// Direction identifies one of the 6 faces of a rank's sub-domain. The order is
// axis-major, low face before high face: XLow, XHigh, YLow, YHigh, ZLow, ZHigh.
type Direction uint8

const (
	XLow Direction = iota
	XHigh
	YLow
	YHigh
	ZLow
	ZHigh
)

// NumDirections is the number of face directions of a 3D sub-domain
const NumDirections = 6

// Directions lists all face directions in traversal order
var Directions = [NumDirections]Direction{XLow, XHigh, YLow, YHigh, ZLow, ZHigh}

// Axis returns the axis (0, 1 or 2) normal to the face
func (d Direction) Axis() int {
	return int(d) / 2
}

// IsHigh reports whether d is the upper face of its axis
func (d Direction) IsHigh() bool {
	return d%2 == 1
}

// Opposite returns the face on the other side of the same axis
func (d Direction) Opposite() Direction {
	return d ^ 1
}

// Face returns the direction for the given axis and side
func Face(axis int, high bool) Direction {
	d := Direction(2 * axis)
	if high {
		d++
	}
	return d
}

func (d Direction) String() string {
	switch d {
	case XLow:
		return "x-low"
	case XHigh:
		return "x-high"
	case YLow:
		return "y-low"
	case YHigh:
		return "y-high"
	case ZLow:
		return "z-low"
	case ZHigh:
		return "z-high"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}
