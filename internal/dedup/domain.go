// Package dedup detects companies recorded more than once, under different
// top-level domains or name spellings, and collapses them into one survivor.
package dedup

import (
	"strings"
)

// DefaultPriority is the rank of any TLD not listed in tldPriority.
const DefaultPriority = 100

// tldPriority ranks TLDs; lower is preferred.
var tldPriority = map[string]int{
	"cn":     1,
	"com.cn": 2,
	"net.cn": 3,
	"org.cn": 4,
	"com":    5,
	"net":    6,
	"co":     7,
	"org":    8,
	"io":     9,
	"asia":   10,
	"ltd":    11,
	"tech":   12,
}

// compoundTLDs are two-label suffixes treated as a single TLD.
var compoundTLDs = map[string]bool{
	"co.uk":  true,
	"com.cn": true,
	"net.cn": true,
	"org.cn": true,
	"gov.cn": true,
	"edu.cn": true,
	"co.jp":  true,
	"com.au": true,
	"com.hk": true,
	"com.tw": true,
	"co.kr":  true,
	"com.sg": true,
}

// Domain is a parsed website host.
type Domain struct {
	Host string // lowercased host without www.
	Base string // host with the TLD removed
	TLD  string // "com", "com.cn"; empty for single-label hosts
}

// Normalize parses a URL or bare host. Scheme, www., port, path, query and
// fragment are dropped. An empty input yields the zero Domain.
func Normalize(raw string) Domain {
	h := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	if i := strings.LastIndex(h, "@"); i >= 0 {
		h = h[i+1:]
	}
	if i := strings.LastIndex(h, ":"); i >= 0 {
		h = h[:i]
	}
	h = strings.TrimSuffix(h, ".")
	h = strings.TrimPrefix(h, "www.")
	if h == "" {
		return Domain{}
	}

	labels := strings.Split(h, ".")
	switch {
	case len(labels) == 1:
		return Domain{Host: h, Base: h}
	case len(labels) >= 3 && compoundTLDs[strings.Join(labels[len(labels)-2:], ".")]:
		return Domain{
			Host: h,
			Base: strings.Join(labels[:len(labels)-2], "."),
			TLD:  strings.Join(labels[len(labels)-2:], "."),
		}
	default:
		return Domain{
			Host: h,
			Base: strings.Join(labels[:len(labels)-1], "."),
			TLD:  labels[len(labels)-1],
		}
	}
}

// BaseDomain returns the host of raw with its TLD removed:
// "https://www.wayken.com.cn/about" is "wayken".
func BaseDomain(raw string) string { return Normalize(raw).Base }

// TLD returns the (possibly compound) TLD of raw.
func TLD(raw string) string { return Normalize(raw).TLD }

// Priority returns the rank of raw's TLD. Lower is preferred.
func Priority(raw string) int {
	if p, ok := tldPriority[TLD(raw)]; ok {
		return p
	}
	return DefaultPriority
}

// Compare orders two websites by TLD priority: negative when a is
// preferred, positive when b is, zero on a tie.
func Compare(a, b string) int {
	return Priority(a) - Priority(b)
}

// IsSameCompany reports whether both websites are known and share a base
// domain.
func IsSameCompany(a, b string) bool {
	ba, bb := BaseDomain(a), BaseDomain(b)
	return ba != "" && ba == bb
}
