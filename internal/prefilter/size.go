package prefilter

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Dimension is the physical quantity a package size measures.
type Dimension int

const (
	DimensionUnknown Dimension = iota
	DimensionVolume            // millilitres
	DimensionMass              // grams
	DimensionCount             // pieces
	DimensionOunce             // "oz" without a "fl" qualifier: volume or mass
)

const (
	mlPerFluidOunce = 29.5735
	gramsPerOunce   = 28.3495
)

type unitInfo struct {
	dim    Dimension
	factor float64 // multiplier to the dimension base unit
	canon  string
}

var units = map[string]unitInfo{
	"ml":     {DimensionVolume, 1, "ml"},
	"cl":     {DimensionVolume, 10, "cl"},
	"dl":     {DimensionVolume, 100, "dl"},
	"l":      {DimensionVolume, 1000, "l"},
	"lt":     {DimensionVolume, 1000, "l"},
	"ltr":    {DimensionVolume, 1000, "l"},
	"liter":  {DimensionVolume, 1000, "l"},
	"litre":  {DimensionVolume, 1000, "l"},
	"liters": {DimensionVolume, 1000, "l"},
	"litres": {DimensionVolume, 1000, "l"},
	"floz":   {DimensionVolume, mlPerFluidOunce, "oz"},
	"g":      {DimensionMass, 1, "g"},
	"gr":     {DimensionMass, 1, "g"},
	"gram":   {DimensionMass, 1, "g"},
	"grams":  {DimensionMass, 1, "g"},
	"kg":     {DimensionMass, 1000, "kg"},
	"lb":     {DimensionMass, 453.592, "lb"},
	"lbs":    {DimensionMass, 453.592, "lb"},
	"oz":     {DimensionOunce, 1, "oz"},
	"ct":     {DimensionCount, 1, "ct"},
	"count":  {DimensionCount, 1, "ct"},
	"pk":     {DimensionCount, 1, "ct"},
	"pack":   {DimensionCount, 1, "ct"},
	"pcs":    {DimensionCount, 1, "ct"},
	"pieces": {DimensionCount, 1, "ct"},
}

const blurChars = "?*_#"

var (
	sizePattern = regexp.MustCompile(
		`(?i)(?:(\d+)\s*[x×]\s*)?([0-9?*_#]+(?:[.,][0-9?*_#]+)?)\s*(fl\.?\s*oz|ml|cl|dl|ltr|lt|liters?|litres?|l|grams?|gr|kg|lbs?|g|oz|ct|count|pk|pack|pcs|pieces)\b`)
	fluidOunce = regexp.MustCompile(`fl\.?\s*oz`)
)

// Size is a parsed package size such as "12 fl oz" or "6 x 330ml".
type Size struct {
	Number    string // numeric text as written, with "," replaced by "."
	Value     float64
	Unit      string // canonical unit, "oz" for both ounce flavours
	Dimension Dimension
	Factor    float64
	Pack      int
	Blurred   bool // Number contains unreadable digits
}

// ParseSize extracts the package size from s. A volume or mass expression
// wins over a count; a whole count written before it ("2 pack 12oz") becomes
// the pack size. Without a measure the first count is returned.
func ParseSize(s string) (Size, bool) {
	var count *Size
	for _, m := range sizePattern.FindAllStringSubmatch(strings.TrimSpace(s), -1) {
		size, ok := parseSizeMatch(m)
		if !ok {
			continue
		}
		if size.Dimension != DimensionCount {
			if count != nil && size.Pack == 1 && !count.Blurred && count.Value == math.Trunc(count.Value) {
				size.Pack = int(count.Value)
			}
			return size, true
		}
		if count == nil {
			count = &size
		}
	}
	if count == nil {
		return Size{}, false
	}
	return *count, true
}

func parseSizeMatch(m []string) (Size, bool) {
	unitText := strings.ToLower(m[3])
	if fluidOunce.MatchString(unitText) {
		unitText = "floz"
	}
	info, ok := units[unitText]
	if !ok {
		return Size{}, false
	}

	number := strings.ReplaceAll(m[2], ",", ".")
	size := Size{
		Number:    number,
		Unit:      info.canon,
		Dimension: info.dim,
		Factor:    info.factor,
		Pack:      1,
		Blurred:   strings.ContainsAny(number, blurChars),
	}
	if m[1] != "" {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			size.Pack = n
		}
	}
	if !size.Blurred {
		v, err := strconv.ParseFloat(number, 64)
		if err != nil || v <= 0 {
			return Size{}, false
		}
		size.Value = v
	}
	return size, true
}

// resolveOunces picks a concrete dimension and base-unit factor for each side.
// A bare "oz" follows whatever the other side measures; two bare ounces compare as-is.
func resolveOunces(a, b Size) (Size, Size) {
	resolve := func(s Size, other Dimension) Size {
		if s.Dimension != DimensionOunce {
			return s
		}
		switch other {
		case DimensionMass:
			s.Dimension, s.Factor = DimensionMass, gramsPerOunce
		default:
			s.Dimension, s.Factor = DimensionVolume, mlPerFluidOunce
		}
		return s
	}
	if a.Dimension == DimensionOunce && b.Dimension == DimensionOunce {
		return a, b
	}
	return resolve(a, b.Dimension), resolve(b, a.Dimension)
}

// Size similarity tuning.
const (
	sizeEqualRatio    = 0.97 // values this close are treated as the same size
	sizeZeroRatio     = 0.5  // at or below this ratio the score is 0
	sizeWildcardMatch = 0.9
	sizeUnitOnly      = 0.5
	sizeDimMismatch   = 0.1
	packMismatch      = 0.7
)

// SizeSimilarity compares two size strings. ok is false when either side
// cannot be parsed, in which case the caller should treat the score as unknown.
func SizeSimilarity(a, b string) (score float64, ok bool) {
	sa, okA := ParseSize(a)
	sb, okB := ParseSize(b)
	if !okA || !okB {
		return 0, false
	}
	return compareSizes(sa, sb), true
}

func compareSizes(a, b Size) float64 {
	a, b = resolveOunces(a, b)
	if a.Dimension != b.Dimension {
		return sizeDimMismatch
	}

	var score float64
	switch {
	case a.Blurred || b.Blurred:
		score = sizeUnitOnly
		if a.Unit == b.Unit && wildcardMatch(a.Number, b.Number) {
			score = sizeWildcardMatch
		}
	default:
		va, vb := a.Value*a.Factor, b.Value*b.Factor
		ratio := math.Min(va, vb) / math.Max(va, vb)
		switch {
		case ratio >= sizeEqualRatio:
			score = 1
		case ratio <= sizeZeroRatio:
			score = 0
		default:
			score = (ratio - sizeZeroRatio) / (sizeEqualRatio - sizeZeroRatio)
		}
	}

	if a.Pack != b.Pack {
		score *= packMismatch
	}
	return score
}

// wildcardMatch reports whether two numbers agree digit for digit, treating
// blur characters on either side as matching any single digit.
func wildcardMatch(a, b string) bool {
	a, b = trimNumber(a), trimNumber(b)
	if len(a) != len(b) {
		return false
	}
	for i := range len(a) {
		ca, cb := a[i], b[i]
		if ca == cb || strings.IndexByte(blurChars, ca) >= 0 || strings.IndexByte(blurChars, cb) >= 0 {
			continue
		}
		return false
	}
	return true
}

// trimNumber drops a redundant fractional zero part so "12.0" compares equal to "12".
func trimNumber(n string) string {
	if i := strings.IndexByte(n, '.'); i >= 0 {
		frac := strings.TrimRight(n[i+1:], "0")
		if frac == "" {
			return n[:i]
		}
		return n[:i+1] + frac
	}
	return n
}
