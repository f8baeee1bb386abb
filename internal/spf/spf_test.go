package spf

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"testing"
)

var txtResults = map[string][]string{}
var txtErrors = map[string]error{}

func fakeLookupTXT(domain string) (txts []string, err error) {
	return txtResults[domain], txtErrors[domain]
}

var mxResults = map[string][]*net.MX{}
var mxErrors = map[string]error{}

func fakeLookupMX(domain string) (mxs []*net.MX, err error) {
	return mxResults[domain], mxErrors[domain]
}

var ipResults = map[string][]net.IP{}
var ipErrors = map[string]error{}

func fakeLookupIP(host string) (ips []net.IP, err error) {
	return ipResults[host], ipErrors[host]
}

func TestMain(m *testing.M) {
	lookupTXT = fakeLookupTXT
	lookupMX = fakeLookupMX
	lookupIP = fakeLookupIP

	flag.Parse()
	os.Exit(m.Run())
}

var ip1110 = net.ParseIP("1.1.1.0")
var ip1111 = net.ParseIP("1.1.1.1")

func TestBasic(t *testing.T) {
	cases := []struct {
		txt   string
		allow bool
	}{
		{"", false},
		{"blah", false},
		{"v=spf1", false},
		{"v=spf1 ", false},
		{"v=spf1 -", false},
		{"v=spf1 all", true},
		{"v=spf1  +all", true},
		{"v=spf1 -all ", false},
		{"v=spf1 ~all", false}, // softfail treated as fail.
		{"v=spf1 ?all", false}, // neutral treated as fail.
		{"v=spf1 a ~all", false},
		{"v=spf1 a/24", false},
		{"v=spf1 a:d1110/24", false}, // prefix length is parsed but not applied.
		{"v=spf1 a:d1110", false},
		{"v=spf1 a:d1111", true},
		{"v=spf1 a:nothing/24", false},
		{"v=spf1 mx", false},
		{"v=spf1 mx/24", false},
		{"v=spf1 mx:d1111 ~all", true},
		{"v=spf1 mx:d1110/24 ~all", false}, // d1110's mx resolves to a different IP.
		{"v=spf1 ip4:1.2.3.4 ~all", false},
		{"v=spf1 ip4:1.1.1.1 -all", true},
		{"v=spf1 blah", false},
	}

	ipResults["d1111"] = []net.IP{ip1111}
	ipResults["d1110"] = []net.IP{ip1110}
	mxResults["d1110"] = []*net.MX{{Host: "d1110", Pref: 5}, {Host: "nothing", Pref: 10}}
	mxResults["d1111"] = []*net.MX{{Host: "d1111", Pref: 5}}

	for _, c := range cases {
		txtResults["domain"] = []string{c.txt}
		got := Allows(context.Background(), "domain", ip1111)
		if got != c.allow {
			t.Errorf("%q: expected %v, got %v", c.txt, c.allow, got)
		}
	}
}

func TestNotSupported(t *testing.T) {
	cases := []string{
		"v=spf1 ptr -all",
		"v=spf1 exp=blah -all",
		"v=spf1 a:%{o} -all",
	}

	for _, txt := range cases {
		txtResults["domain"] = []string{txt}
		if got := Allows(context.Background(), "domain", ip1111); got {
			t.Errorf("%q: expected false, got true", txt)
		}
	}
}

func TestExists(t *testing.T) {
	ipResults["exists-ok"] = []net.IP{ip1111}

	txtResults["domain"] = []string{"v=spf1 exists:exists-ok -all"}
	if !Allows(context.Background(), "domain", ip1111) {
		t.Errorf("expected true for resolving exists: domain")
	}

	txtResults["domain"] = []string{"v=spf1 exists:exists-missing -all"}
	if Allows(context.Background(), "domain", ip1111) {
		t.Errorf("expected false for non-resolving exists: domain")
	}
}

func TestAllIsDeferred(t *testing.T) {
	ipResults["d1111"] = []net.IP{ip1111}

	// "all" appears before a mechanism that would otherwise match: the
	// match must still win, since "all" only applies once nothing else
	// matched.
	txtResults["domain"] = []string{"v=spf1 -all ip4:1.1.1.1"}
	if !Allows(context.Background(), "domain", ip1111) {
		t.Errorf("expected the later ip4 match to win over a preceding -all")
	}

	// With no other mechanism matching, the deferred "all" still applies.
	txtResults["domain"] = []string{"v=spf1 -all ip4:9.9.9.9"}
	if Allows(context.Background(), "domain", ip1111) {
		t.Errorf("expected -all to apply when nothing else matched")
	}
}

func TestRedirectTakesPrecedenceOverMechanisms(t *testing.T) {
	txtResults["domain"] = []string{"v=spf1 ip4:9.9.9.9 -all redirect=target"}
	txtResults["target"] = []string{"v=spf1 ip4:1.1.1.1 -all"}

	// The ip4/-all mechanisms here would deny; redirect must be evaluated
	// first and its result returned, regardless of where it sits in the
	// record.
	if !Allows(context.Background(), "domain", ip1111) {
		t.Errorf("expected redirect to be evaluated before other mechanisms")
	}
}

func TestRedirect(t *testing.T) {
	txtResults["domain"] = []string{"v=spf1 redirect=target"}
	txtResults["target"] = []string{"v=spf1 ip4:1.1.1.1 -all"}

	if !Allows(context.Background(), "domain", ip1111) {
		t.Errorf("expected redirect to target to pass")
	}
}

func TestRedirectCycle(t *testing.T) {
	txtResults["domain"] = []string{"v=spf1 redirect=domain"}

	if Allows(context.Background(), "domain", ip1111) {
		t.Errorf("expected cyclical redirect to fail closed")
	}
}

func TestRecursionLimit(t *testing.T) {
	txtResults["d0"] = []string{"v=spf1 include:d1 -all"}
	txtResults["d1"] = []string{"v=spf1 include:d2 -all"}
	for i := 2; i <= 12; i++ {
		txtResults[fmt.Sprintf("d%d", i)] = []string{fmt.Sprintf("v=spf1 include:d%d -all", i+1)}
	}

	if Allows(context.Background(), "d0", ip1111) {
		t.Errorf("expected deep include chain to fail closed")
	}
}

func TestNoRecord(t *testing.T) {
	txtResults["d1"] = []string{""}
	txtResults["d2"] = []string{"loco", "v=spf2"}
	txtErrors["nospf"] = fmt.Errorf("no such domain")

	for _, domain := range []string{"d1", "d2", "d3", "nospf"} {
		if Allows(context.Background(), domain, ip1111) {
			t.Errorf("%s: expected false", domain)
		}
	}
}

func TestNilIP(t *testing.T) {
	if Allows(context.Background(), "domain", nil) {
		t.Errorf("expected false for nil ip")
	}
}
