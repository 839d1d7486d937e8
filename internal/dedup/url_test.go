package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		mode QueryMode
		want string
	}{
		{
			name: "lowercases scheme and host",
			in:   "HTTPS://Example.COM/News",
			mode: QueryStripAll,
			want: "https://example.com/News",
		},
		{
			name: "strips www",
			in:   "https://www.example.com/a",
			mode: QueryStripAll,
			want: "https://example.com/a",
		},
		{
			name: "strips default https port",
			in:   "https://example.com:443/a",
			mode: QueryStripAll,
			want: "https://example.com/a",
		},
		{
			name: "strips default http port",
			in:   "http://example.com:80/a",
			mode: QueryStripAll,
			want: "http://example.com/a",
		},
		{
			name: "keeps non-default port",
			in:   "https://example.com:8443/a",
			mode: QueryStripAll,
			want: "https://example.com:8443/a",
		},
		{
			name: "trims trailing slash",
			in:   "https://example.com/news/",
			mode: QueryStripAll,
			want: "https://example.com/news",
		},
		{
			name: "strip_all drops query",
			in:   "https://example.com/a?id=1&utm_source=x",
			mode: QueryStripAll,
			want: "https://example.com/a",
		},
		{
			name: "keep_non_tracking drops utm and fbclid, sorts rest",
			in:   "https://example.com/a?z=2&utm_source=x&fbclid=y&a=1",
			mode: QueryKeepNonTracking,
			want: "https://example.com/a?a=1&z=2",
		},
		{
			name: "drops fragment",
			in:   "https://example.com/a#section",
			mode: QueryStripAll,
			want: "https://example.com/a",
		},
		{
			name: "unparseable left trimmed",
			in:   "  not a url  ",
			mode: QueryStripAll,
			want: "not a url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURL(tt.in, tt.mode))
		})
	}
}

func TestNormalizeURLIdempotent(t *testing.T) {
	inputs := []string{
		"HTTPS://WWW.Example.com:443/path/?utm_source=rss&b=2&a=1",
		"http://example.com:80/x/",
		"https://news.example.org/article?fbclid=abc",
	}
	for _, mode := range []QueryMode{QueryStripAll, QueryKeepNonTracking} {
		for _, in := range inputs {
			once := NormalizeURL(in, mode)
			assert.Equal(t, once, NormalizeURL(once, mode), "mode=%s in=%s", mode, in)
		}
	}
}
