// Package spf implements a strict subset of Sender Policy Framework
// evaluation (RFC 7208). Unlike a fully RFC-compliant checker, Allows
// collapses softfail and neutral results into a plain "not allowed" instead
// of returning a spectrum of qualified results: a mail sender either passes
// or it doesn't.
//
// Supported mechanisms: all, include, a, mx, ip4, ip6, exists, and the
// redirect modifier. ptr and exp are not supported and never match.
package spf

import (
	"context"
	"net"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// Functions overridable for testing.
var (
	lookupTXT func(domain string) (txts []string, err error) = net.LookupTXT
	lookupMX  func(domain string) (mxs []*net.MX, err error)  = net.LookupMX
	lookupIP  func(host string) (ips []net.IP, err error)     = net.LookupIP
)

// qualToPass maps an SPF qualifier character to whether it counts as a pass
// under our strict semantics. Only '+' (or an absent qualifier, which
// defaults to '+') counts; '-', '~' and '?' are all treated as fail.
var qualToPass = map[byte]bool{
	'+': true,
	'-': false,
	'~': false,
	'?': false,
}

const maxDepth = 10

// Allows reports whether ip is authorized to send mail for domain, per the
// domain's SPF TXT record. It returns false on any DNS error, any record
// that does not resolve to an explicit pass, or evaluation limits being
// exceeded — there is no "unknown" result in this API, only allowed or not.
func Allows(ctx context.Context, domain string, ip net.IP) bool {
	if ip == nil {
		return false
	}
	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return false
	}
	e := &evaluator{ip: ip, visited: map[string]bool{}}
	return e.check(ctx, ascii)
}

type evaluator struct {
	ip      net.IP
	visited map[string]bool
	depth   int
}

func (e *evaluator) check(ctx context.Context, domain string) bool {
	if e.depth > maxDepth {
		return false
	}
	if e.visited[domain] {
		return false
	}
	e.visited[domain] = true
	e.depth++

	record, err := getRecord(domain)
	if err != nil || record == "" {
		return false
	}

	fields := strings.Fields(record)

	// A redirect= modifier, wherever it appears in the record, is evaluated
	// first and its result returned immediately: every other mechanism
	// (including "all") is ignored once one is found.
	for _, field := range fields {
		if strings.HasPrefix(field, "redirect=") {
			return e.check(ctx, field[len("redirect="):])
		}
	}

	// "all" is deferred: it only applies once every other mechanism has
	// been checked and none matched.
	hasAll := false
	allPass := false

	for _, field := range fields {
		if strings.HasPrefix(field, "v=") {
			continue
		}
		if strings.Contains(field, "%") {
			// Macros are not supported; a record that uses one never
			// allows the sender, whatever its other mechanisms say.
			return false
		}

		pass, ok := qualToPass[field[0]]
		if ok {
			field = field[1:]
		} else {
			pass = true
		}

		switch {
		case field == "all":
			hasAll = true
			allPass = pass
			continue
		case strings.HasPrefix(field, "include:"):
			incdomain := field[len("include:"):]
			if e.check(ctx, incdomain) {
				return pass
			}
		case strings.HasPrefix(field, "exists:"):
			testdomain := field[len("exists:"):]
			ips, err := lookupIP(testdomain)
			if err == nil && len(ips) > 0 {
				return pass
			}
		case strings.HasPrefix(field, "a"):
			if e.aField(field, domain) {
				return pass
			}
		case strings.HasPrefix(field, "mx"):
			if e.mxField(field, domain) {
				return pass
			}
		case strings.HasPrefix(field, "ip4:"), strings.HasPrefix(field, "ip6:"):
			if e.ipField(field) {
				return pass
			}
		default:
			// ptr, exp, and anything unrecognized: no match, keep going.
		}
	}

	if hasAll {
		return allPass
	}
	return false
}

func getRecord(domain string) (string, error) {
	txts, err := lookupTXT(domain)
	if err != nil {
		return "", err
	}
	for _, txt := range txts {
		if txt == "v=spf1" || strings.HasPrefix(txt, "v=spf1 ") {
			return txt, nil
		}
	}
	return "", nil
}

func (e *evaluator) ipField(field string) bool {
	fip := field[4:]
	if strings.Contains(fip, "/") {
		_, ipnet, err := net.ParseCIDR(fip)
		if err != nil {
			return false
		}
		return ipnet.Contains(e.ip)
	}
	ip := net.ParseIP(fip)
	if ip == nil {
		return false
	}
	return ip.Equal(e.ip)
}

var aRegexp = regexp.MustCompile(`^a(?::([^/]+))?(?:/(.+))?$`)
var mxRegexp = regexp.MustCompile(`^mx(?::([^/]+))?(?:/(.+))?$`)

// targetDomain extracts the host named by an a/mx mechanism, ignoring any
// trailing prefix length: resolved addresses are matched against the
// connecting IP by equality only, never by subnet.
func targetDomain(re *regexp.Regexp, field, domain string) string {
	groups := re.FindStringSubmatch(field)
	if groups == nil || groups[1] == "" {
		return domain
	}
	return groups[1]
}

func (e *evaluator) aField(field, domain string) bool {
	target := targetDomain(aRegexp, field, domain)
	ips, err := lookupIP(target)
	if err != nil {
		return false
	}
	for _, ip := range ips {
		if ip.Equal(e.ip) {
			return true
		}
	}
	return false
}

func (e *evaluator) mxField(field, domain string) bool {
	target := targetDomain(mxRegexp, field, domain)
	mxs, err := lookupMX(target)
	if err != nil {
		return false
	}
	for _, mx := range mxs {
		ips, err := lookupIP(mx.Host)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			if ip.Equal(e.ip) {
				return true
			}
		}
	}
	return false
}
