package normalize

import (
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// groupingSpaces are stripped anywhere in an amount.
var groupingSpaces = strings.NewReplacer(
	" ", "",
	"\u00a0", "", // no-break space
	"\u2009", "", // thin space
	"\u202f", "", // narrow no-break space
	"'", "",
)

// ParseAmount parses a locale-formatted amount such as "72 000",
// "1.234.567,89", "1,234,567.89", "(1 500)" or "−42". A single comma is a
// decimal separator; a single dot followed by exactly three digits is a
// thousands separator.
func ParseAmount(s string) (float64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, eris.New("normalize: empty amount")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.ReplaceAll(s, "\u2212", "-")
	s = groupingSpaces.Replace(s)
	if strings.HasPrefix(s, "-") {
		if negative {
			return 0, eris.Errorf("normalize: double negative amount %q", orig)
		}
		negative = true
		s = s[1:]
	} else {
		s = strings.TrimPrefix(s, "+")
	}

	s = canonicalSeparators(s)
	if s == "" {
		return 0, eris.Errorf("normalize: no digits in amount %q", orig)
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return 0, eris.Errorf("normalize: invalid amount %q", orig)
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "normalize: parse amount %q", orig)
	}
	if !Finite(v) {
		return 0, eris.Errorf("normalize: amount out of range %q", orig)
	}
	if negative {
		v = -v
	}
	return v, nil
}

// Finite reports whether f can be stored and serialized as an amount.
func Finite(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}

// canonicalSeparators rewrites s so that '.' is the only decimal separator
// and no grouping separators remain.
func canonicalSeparators(s string) string {
	dots := strings.Count(s, ".")
	commas := strings.Count(s, ",")

	switch {
	case dots > 0 && commas > 0:
		// Whichever comes last is the decimal separator.
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case commas > 1:
		return strings.ReplaceAll(s, ",", "")
	case commas == 1:
		return strings.Replace(s, ",", ".", 1)
	case dots > 1:
		return strings.ReplaceAll(s, ".", "")
	case dots == 1:
		i := strings.Index(s, ".")
		if i > 0 && len(s)-i-1 == 3 {
			return s[:i] + s[i+1:]
		}
	}
	return s
}
