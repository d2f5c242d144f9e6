// Package util holds small numeric helpers shared by the measurement core.
package util

import (
	"fmt"

	"github.com/chewxy/math32"
)

// FloatToString formats a value as a fixed-decimal string for display and
// log output. NaN and infinity collapse to "nan" and "inf". The integer
// and fractional parts are rounded independently, so a fractional part
// that rounds up to a full unit widens the fractional field instead of
// carrying into the integer part.
func FloatToString(value float32, decimals int) string {
	if math32.IsNaN(value) {
		return "nan"
	}
	if math32.IsInf(value, 0) {
		return "inf"
	}

	intPart, fracPart := math32.Modf(value)
	fracMultiplier := math32.Pow(10, float32(decimals))
	dispInt := int(math32.Abs(math32.Round(intPart)))
	dispFrac := int(math32.Abs(math32.Round(fracPart * fracMultiplier)))

	if value < 0 {
		return fmt.Sprintf("-%d.%0*d", dispInt, decimals, dispFrac)
	}
	return fmt.Sprintf("%d.%0*d", dispInt, decimals, dispFrac)
}
