// Package redirect follows an HTTP URL through its full redirect chain:
// HTTP 3xx Location headers, HTML <meta http-equiv="refresh"> tags, and
// JavaScript location reassignments, optionally routed through a SOCKS5
// proxy, and reports the final landing URL together with every hop taken.
//
// The tracker never lets net/http auto-follow redirects: each hop is an
// explicit request so the chain can be recorded, headers (Referer in
// particular) can be set per step, and meta/JS redirects that net/http
// does not understand can be handled uniformly.
package redirect
