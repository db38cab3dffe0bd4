package redirect

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// findMetaRefresh returns the target URL of the first
// <meta http-equiv="refresh" content="N; url=X"> in the document.
func findMetaRefresh(body []byte) (string, bool) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", false
	}

	var target string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Meta {
			var httpEquiv, content string
			for _, a := range n.Attr {
				switch strings.ToLower(a.Key) {
				case "http-equiv":
					httpEquiv = a.Val
				case "content":
					content = a.Val
				}
			}
			if strings.EqualFold(httpEquiv, "refresh") {
				if u, ok := parseRefreshContent(content); ok {
					target = u
					return true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(doc)
	return target, target != ""
}

// parseRefreshContent extracts the url= value from a refresh content
// attribute such as "0; url=https://x" or "5;URL='https://x'".
func parseRefreshContent(content string) (string, bool) {
	_, rest, found := strings.Cut(content, ";")
	if !found {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 4 || !strings.EqualFold(rest[:4], "url=") {
		return "", false
	}
	u := strings.Trim(strings.TrimSpace(rest[4:]), `'"`)
	return u, u != ""
}

// JS navigation patterns: location assignment (optionally via window./
// document., optionally .href) and location.replace(...). Quotes may be
// single, double, or backtick. \x60 is the backtick.
var (
	jsLocationAssign = regexp.MustCompile(
		`(?i)(?:window\.|document\.)?location(?:\.href)?\s*=\s*['"\x60]([^'"\x60]+)['"\x60]`)
	jsLocationReplace = regexp.MustCompile(
		`(?i)(?:window\.|document\.)?location\.replace\(\s*['"\x60]([^'"\x60]+)['"\x60]\s*\)`)
)

// findJSLocation returns the target of the earliest JavaScript location
// reassignment in the body, scanning assignment and replace() forms.
func findJSLocation(body []byte) (string, bool) {
	bestIdx := -1
	var best string

	for _, re := range []*regexp.Regexp{jsLocationAssign, jsLocationReplace} {
		loc := re.FindSubmatchIndex(body)
		if loc == nil {
			continue
		}
		if bestIdx == -1 || loc[0] < bestIdx {
			bestIdx = loc[0]
			best = string(body[loc[2]:loc[3]])
		}
	}
	if bestIdx == -1 || best == "" {
		return "", false
	}
	return best, true
}
