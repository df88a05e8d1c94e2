package dedup

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

// legalSuffixes are trailing name tokens that do not identify a company.
var legalSuffixes = map[string]bool{
	"co":           true,
	"company":      true,
	"corp":         true,
	"corporation":  true,
	"inc":          true,
	"incorporated": true,
	"llc":          true,
	"ltd":          true,
	"limited":      true,
	"gmbh":         true,
	"plc":          true,
	"pte":          true,
	"pty":          true,
}

// cjkSuffixes are written without a separating space. Longest first.
var cjkSuffixes = []string{"股份有限公司", "有限责任公司", "有限公司", "公司"}

var folder = cases.Fold()

// NormalizeName folds width and case, drops punctuation and strips trailing
// legal suffixes: "ACME Co., Ltd." and "Acme" normalize alike.
func NormalizeName(name string) string {
	s := folder.String(width.Fold.String(name))
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s)

	tokens := strings.Fields(s)
	for len(tokens) > 1 && legalSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	if n := len(tokens); n > 0 {
		for _, suffix := range cjkSuffixes {
			if last := tokens[n-1]; len(last) > len(suffix) && strings.HasSuffix(last, suffix) {
				tokens[n-1] = strings.TrimSuffix(last, suffix)
				break
			}
		}
	}
	return strings.Join(tokens, " ")
}
