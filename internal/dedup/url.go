package dedup

import (
	"net/url"
	"sort"
	"strings"
)

// QueryMode selects how NormalizeURL treats query parameters.
type QueryMode string

const (
	// QueryStripAll drops the query string entirely.
	QueryStripAll QueryMode = "strip_all"
	// QueryKeepNonTracking keeps non-tracking parameters, sorted by key.
	QueryKeepNonTracking QueryMode = "keep_non_tracking"
)

// trackingParams are dropped outright in keep_non_tracking mode.
var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"igshid": true,
	"mc_cid": true,
	"mc_eid": true,
	"ref":    true,
	"source": true,
}

// trackingPrefixes match parameter families (utm_source, utm_medium, …).
var trackingPrefixes = []string{"utm_"}

// NormalizeURL canonicalizes a URL for duplicate matching: lowercase
// scheme and host, strip "www.", strip default ports, trim the trailing
// slash, and apply the query mode. Normalization is idempotent.
// Unparseable input is returned trimmed but otherwise unchanged.
func NormalizeURL(raw string, mode QueryMode) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	switch u.Scheme {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host

	u.Path = strings.TrimSuffix(u.Path, "/")
	u.Fragment = ""

	switch mode {
	case QueryKeepNonTracking:
		u.RawQuery = filterQuery(u.Query())
	default:
		u.RawQuery = ""
	}

	return u.String()
}

func filterQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		if isTrackingParam(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			if v != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	return b.String()
}

func isTrackingParam(key string) bool {
	key = strings.ToLower(key)
	if trackingParams[key] {
		return true
	}
	for _, p := range trackingPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
