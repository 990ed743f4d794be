package detection

import "strings"

// Fault classes reported for thermal anomalies
const (
	ClassLooseJointFaulty            = "Loose Joint Faulty"
	ClassLooseJointPotentiallyFaulty = "Loose Joint Potentially Faulty"
	ClassPointOverloadFaulty         = "Point Overload Faulty"
	ClassPointOverloadPotentially    = "Point Overload Potentially Faulty"
	ClassFullWireOverload            = "Full Wire Overload (Potentially Faulty)"
)

// DefaultColor is used for classes outside the fixed table
const DefaultColor = "#3b82f6"

// FaultClasses lists the selectable classes in display order
var FaultClasses = []string{
	ClassLooseJointFaulty,
	ClassLooseJointPotentiallyFaulty,
	ClassPointOverloadFaulty,
	ClassPointOverloadPotentially,
	ClassFullWireOverload,
}

// ClassColors maps each fault class to its display color
var ClassColors = map[string]string{
	ClassLooseJointFaulty:            "#ef4444",
	ClassLooseJointPotentiallyFaulty: "#f59e0b",
	ClassPointOverloadFaulty:         "#8b5cf6",
	ClassPointOverloadPotentially:    "#06b6d4",
	ClassFullWireOverload:            "#10b981",
}

// ColorFor returns the display color of a class, falling back to DefaultColor
func ColorFor(class string) string {
	if c, ok := ClassColors[class]; ok {
		return c
	}
	return DefaultColor
}

// CanonicalClass matches a class name case-insensitively against the fixed table.
// Unknown names are returned trimmed and unchanged.
func CanonicalClass(class string) string {
	class = strings.TrimSpace(class)
	for _, known := range FaultClasses {
		if strings.EqualFold(known, class) {
			return known
		}
	}
	return class
}
