package spam

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReverseIPv4(t *testing.T) {
	rev, ok := reverseIPv4(net.ParseIP("1.2.3.4"))
	require.True(t, ok)
	require.Equal(t, "4.3.2.1", rev)

	_, ok = reverseIPv4(net.ParseIP("::1"))
	require.False(t, ok)
}

func TestRBLChecker_Name(t *testing.T) {
	require.Equal(t, "rbl", RBLChecker{}.Name())
}

func TestRBLChecker_NonIPv4Skipped(t *testing.T) {
	c := RBLChecker{Lists: []string{"zen.spamhaus.org"}}
	r := c.Check(context.Background(), CheckInput{RemoteIP: "::1"})
	require.Equal(t, ActionNone, r.Action)
	require.Equal(t, "not an IPv4 address, RBL lookup skipped", r.Reason)
}

func TestRBLChecker_NoListsConfigured(t *testing.T) {
	c := RBLChecker{}
	r := c.Check(context.Background(), CheckInput{RemoteIP: "203.0.113.5"})
	require.Equal(t, ActionNone, r.Action)
	require.False(t, r.IsSpam)
}
