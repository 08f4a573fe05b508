package spam

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// RBLChecker looks up the session's remote IP against a set of DNS
// blacklists, the way the teacher's IsClientIPBlacklisted queried
// dnsbl.sorbs.net/bl.spamcop.net with net.LookupIPAddr — generalized here to
// use github.com/miekg/dns directly (instead of the stdlib resolver) so the
// lookup can target a specific resolver and carry its own timeout per
// query rather than relying on the process-wide DNS config.
type RBLChecker struct {
	// Lists is the set of DNSBL zones to query, e.g. "zen.spamhaus.org".
	Lists []string
	// Resolver is the DNS server to query, e.g. "8.8.8.8:53". Empty uses
	// the system-configured resolver via net.DefaultResolver instead.
	Resolver string
}

func (c RBLChecker) Name() string { return "rbl" }

// reverseIPv4 returns "4.3.2.1" for the IPv4 address "1.2.3.4".
func reverseIPv4(ip net.IP) (string, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return "", false
	}
	return fmt.Sprintf("%d.%d.%d.%d", v4[3], v4[2], v4[1], v4[0]), true
}

func (c RBLChecker) Check(ctx context.Context, in CheckInput) CheckResult {
	ip := net.ParseIP(in.RemoteIP)
	reversed, ok := reverseIPv4(ip)
	if !ok {
		return CheckResult{Action: ActionNone, Reason: "not an IPv4 address, RBL lookup skipped"}
	}

	hits := make(chan string, len(c.Lists))
	for _, zone := range c.Lists {
		zone := zone
		go func() {
			name := reversed + "." + zone + "."
			if c.lookup(ctx, name) {
				hits <- zone
			} else {
				hits <- ""
			}
		}()
	}

	var listed []string
	for range c.Lists {
		select {
		case zone := <-hits:
			if zone != "" {
				listed = append(listed, zone)
			}
		case <-ctx.Done():
			return CheckResult{Action: ActionNone, Reason: "RBL lookup context cancelled"}
		}
	}

	if len(listed) == 0 {
		return CheckResult{Score: 0, Action: ActionNone}
	}
	return CheckResult{
		Score:      100,
		IsSpam:     true,
		Confidence: 0.9,
		Action:     ActionReject,
		RejectCode: 550,
		RejectText: "Message rejected, sender IP listed on " + strings.Join(listed, ", "),
		Reason:     "listed on " + strings.Join(listed, ", "),
	}
}

func (c RBLChecker) lookup(ctx context.Context, fqdn string) bool {
	m := new(dns.Msg)
	m.SetQuestion(fqdn, dns.TypeA)
	m.RecursionDesired = true

	server := c.Resolver
	if server == "" {
		// Fall back to the stdlib resolver when no specific DNS server is
		// configured; this still exercises the common case without
		// requiring every deployment to hardcode a resolver address.
		_, err := net.DefaultResolver.LookupIPAddr(ctx, fqdn)
		return err == nil
	}

	client := &dns.Client{Timeout: 2 * time.Second}
	in, _, err := client.ExchangeContext(ctx, m, server)
	if err != nil || in == nil {
		return false
	}
	return in.Rcode == dns.RcodeSuccess && len(in.Answer) > 0
}
