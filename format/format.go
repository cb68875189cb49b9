// Package format renders counts and sizes for human consumption.
package format

import "fmt"

const (
	Thousand = 1000
	Million  = Thousand * 1000
	Billion  = Million * 1000
	Trillion = Billion * 1000

	KiloByte = 1024
	MegaByte = KiloByte * 1024
	GigaByte = MegaByte * 1024
)

// HumanNumber renders b with a metric suffix, e.g. 7_241_000 -> "7.24M".
func HumanNumber(b uint64) string {
	switch {
	case b >= Trillion:
		return fmt.Sprintf("%sT", decimalPlace(float64(b)/Trillion))
	case b >= Billion:
		return fmt.Sprintf("%sB", decimalPlace(float64(b)/Billion))
	case b >= Million:
		return fmt.Sprintf("%sM", decimalPlace(float64(b)/Million))
	case b >= Thousand:
		return fmt.Sprintf("%sK", decimalPlace(float64(b)/Thousand))
	default:
		return fmt.Sprintf("%d", b)
	}
}

// HumanBytes renders b with a binary suffix, e.g. 3_145_728 -> "3.0 MiB".
func HumanBytes(b uint64) string {
	switch {
	case b >= GigaByte:
		return fmt.Sprintf("%.1f GiB", float64(b)/GigaByte)
	case b >= MegaByte:
		return fmt.Sprintf("%.1f MiB", float64(b)/MegaByte)
	case b >= KiloByte:
		return fmt.Sprintf("%.1f KiB", float64(b)/KiloByte)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func decimalPlace(number float64) string {
	switch {
	case number >= 100:
		return fmt.Sprintf("%.0f", number)
	case number >= 10:
		return fmt.Sprintf("%.1f", number)
	default:
		return fmt.Sprintf("%.2f", number)
	}
}
