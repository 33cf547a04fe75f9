// Package convert holds checked integer conversions.
package convert

// IntToUintClamped converts v to uint, clamping negative values to 0.
func IntToUintClamped(v int) uint {
	if v < 0 {
		return 0
	}
	return uint(v)
}
