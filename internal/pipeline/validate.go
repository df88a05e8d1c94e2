package pipeline

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// marketplaceDomains host storefronts rather than company sites.
var marketplaceDomains = []string{
	"alibaba.com", "1688.com", "made-in-china.com", "globalsources.com", "tmart.com",
	"dhgate.com", "aliexpress.com", "taobao.com", "tmall.com", "jd.com", "amazon.cn",
}

// blockedHosts are host fragments never accepted as a company website.
var blockedHosts = []string{
	"alibaba", "1688", "made-in-china", "amazon.", "ebay.", "aliexpress.", "taobao",
	"tmall", "jd.com", "linkedin", "facebook", "twitter", "weibo", "wechat", "qq.com",
}

// articlePatterns mark blog and news pages.
var articlePatterns = []string{"/blog/", "/news/", "/article/", "/post/", "blog.", "news.", "press."}

var websitePattern = regexp.MustCompile(`^https?://.+\..+$`)

// roleLocalParts are mailboxes that never reach a buyer.
var roleLocalParts = map[string]bool{
	"noreply": true, "no-reply": true, "donotreply": true, "do-not-reply": true,
	"hr": true, "legal": true, "press": true, "admin": true, "abuse": true,
	"postmaster": true, "webmaster": true, "hostmaster": true, "privacy": true,
	"jobs": true, "careers": true, "recruit": true, "recruitment": true,
	"mailer-daemon": true,
}

var emailShape = regexp.MustCompile(`^[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}$`)

// IsMarketplace reports whether raw points at a B2B marketplace.
func IsMarketplace(raw string) bool {
	host := hostOf(raw)
	for _, d := range marketplaceDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// CleanWebsite normalizes a website returned by a model. It reports false
// for marketplaces, social networks, article pages and anything that is not
// an http(s) URL. A bare domain gets an https scheme.
func CleanWebsite(raw string) (string, bool) {
	s := strings.TrimRight(nullString(raw), "/.,;")
	if s == "" {
		return "", false
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	lower := strings.ToLower(s)
	if !websitePattern.MatchString(lower) {
		return "", false
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || strings.ContainsAny(u.Host, " _") {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	for _, b := range blockedHosts {
		if strings.Contains(host, b) {
			return "", false
		}
	}
	for _, p := range articlePatterns {
		if strings.Contains(lower, p) {
			return "", false
		}
	}
	return s, true
}

func hostOf(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// CleanEmail normalizes one address. Phone numbers dressed as emails and
// role mailboxes are rejected.
func CleanEmail(raw string) (string, bool) {
	s := strings.ToLower(nullString(raw))
	s = strings.TrimPrefix(s, "mailto:")
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, " <>.,;\"'")
	if s == "" || strings.Contains(s, "+86") || !emailShape.MatchString(s) {
		return "", false
	}

	local, domain, _ := strings.Cut(s, "@")
	if roleLocalParts[local] || strings.HasPrefix(domain, "example.") {
		return "", false
	}
	var digits int
	for _, r := range local {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits == len(local) || (len(local) >= 6 && digits*10 > len(local)*6) {
		return "", false
	}
	return s, true
}

// CleanEmails keeps the valid addresses of list in order.
func CleanEmails(list []string) []string {
	var out []string
	seen := make(map[string]bool, len(list))
	for _, raw := range list {
		if e, ok := CleanEmail(raw); ok && !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}
