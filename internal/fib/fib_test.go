package fib

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/routersim/routersim/internal/rerrors"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("ParsePrefix(%q): %v", s, err)
	}
	return p
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return a
}

func TestLookupMissOnEmptyTable(t *testing.T) {
	var tbl Table
	_, ok := tbl.Lookup(mustAddr(t, "10.0.0.1"))
	if ok {
		t.Fatal("expected miss on empty table")
	}
}

func TestInstallThenLookupExactMatch(t *testing.T) {
	var tbl Table
	nh := mustAddr(t, "192.0.2.1")
	if err := tbl.Install(mustPrefix(t, "10.0.0.0/24"), nh, "eth0"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	entry, ok := tbl.Lookup(mustAddr(t, "10.0.0.42"))
	if !ok {
		t.Fatal("expected hit")
	}
	if entry.NextHop != nh || entry.Egress != "eth0" {
		t.Errorf("entry = %+v, want nexthop %s egress eth0", entry, nh)
	}
}

func TestLongestPrefixMatchWins(t *testing.T) {
	var tbl Table
	broad := mustAddr(t, "192.0.2.1")
	narrow := mustAddr(t, "192.0.2.2")

	if err := tbl.Install(mustPrefix(t, "10.0.0.0/8"), broad, "eth0"); err != nil {
		t.Fatalf("Install broad: %v", err)
	}
	if err := tbl.Install(mustPrefix(t, "10.1.0.0/16"), narrow, "eth1"); err != nil {
		t.Fatalf("Install narrow: %v", err)
	}

	entry, ok := tbl.Lookup(mustAddr(t, "10.1.2.3"))
	if !ok {
		t.Fatal("expected hit")
	}
	if entry.NextHop != narrow || entry.Egress != "eth1" {
		t.Errorf("LPM picked %+v, want the /16 route", entry)
	}

	entry, ok = tbl.Lookup(mustAddr(t, "10.2.2.3"))
	if !ok {
		t.Fatal("expected hit falling back to /8")
	}
	if entry.NextHop != broad {
		t.Errorf("fallback picked %+v, want the /8 route", entry)
	}
}

func TestDefaultRouteMatchesEverything(t *testing.T) {
	var tbl Table
	gw := mustAddr(t, "203.0.113.1")
	if err := tbl.Install(mustPrefix(t, "0.0.0.0/0"), gw, "wan0"); err != nil {
		t.Fatalf("Install default: %v", err)
	}

	for _, addr := range []string{"1.2.3.4", "192.168.1.1", "8.8.8.8"} {
		entry, ok := tbl.Lookup(mustAddr(t, addr))
		if !ok || entry.NextHop != gw {
			t.Errorf("Lookup(%s): got %+v, ok=%v, want default route", addr, entry, ok)
		}
	}
}

func TestInstallRejectsOversizePrefixLength(t *testing.T) {
	var tbl Table
	pfx := netip.PrefixFrom(mustAddr(t, "10.0.0.0"), 33)
	err := tbl.Install(pfx, mustAddr(t, "10.0.0.1"), "eth0")
	if err == nil {
		t.Fatal("expected error for /33 on IPv4")
	}
	if !errors.Is(err, rerrors.ErrInvalidPrefix) {
		t.Errorf("error = %v, want rerrors.ErrInvalidPrefix", err)
	}
}

func TestWithdrawIsIdempotent(t *testing.T) {
	var tbl Table
	pfx := mustPrefix(t, "10.0.0.0/24")
	if err := tbl.Install(pfx, mustAddr(t, "10.0.0.1"), "eth0"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	tbl.Withdraw(pfx)
	if _, ok := tbl.Lookup(mustAddr(t, "10.0.0.5")); ok {
		t.Fatal("expected miss after withdraw")
	}

	// Second withdraw of an already-absent prefix must be a silent no-op.
	tbl.Withdraw(pfx)
	tbl.Withdraw(mustPrefix(t, "172.16.0.0/16"))
}

func TestWithdrawUncoversLessSpecificRoute(t *testing.T) {
	var tbl Table
	broad := mustAddr(t, "10.0.0.1")
	narrow := mustAddr(t, "10.0.0.2")
	narrowPfx := mustPrefix(t, "10.1.0.0/16")

	if err := tbl.Install(mustPrefix(t, "10.0.0.0/8"), broad, "eth0"); err != nil {
		t.Fatalf("Install broad: %v", err)
	}
	if err := tbl.Install(narrowPfx, narrow, "eth1"); err != nil {
		t.Fatalf("Install narrow: %v", err)
	}

	tbl.Withdraw(narrowPfx)

	entry, ok := tbl.Lookup(mustAddr(t, "10.1.2.3"))
	if !ok || entry.NextHop != broad {
		t.Errorf("after withdraw, Lookup = %+v (ok=%v), want fallback to /8", entry, ok)
	}
}

func TestInstallReplacesNextHopWithoutDuplicatingSize(t *testing.T) {
	var tbl Table
	pfx := mustPrefix(t, "10.0.0.0/24")
	if err := tbl.Install(pfx, mustAddr(t, "10.0.0.1"), "eth0"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := tbl.Install(pfx, mustAddr(t, "10.0.0.2"), "eth1"); err != nil {
		t.Fatalf("Install (replace): %v", err)
	}

	if got := tbl.Size(); got != 1 {
		t.Errorf("Size() = %d, want 1 (replace must not grow the table)", got)
	}

	entry, ok := tbl.Lookup(mustAddr(t, "10.0.0.5"))
	if !ok || entry.Egress != "eth1" {
		t.Errorf("entry = %+v, want the replaced nexthop on eth1", entry)
	}
}

func TestIPv4AndIPv6AreIndependentRoots(t *testing.T) {
	var tbl Table
	v4 := mustAddr(t, "10.0.0.1")
	v6 := mustAddr(t, "2001:db8::1")

	if err := tbl.Install(mustPrefix(t, "0.0.0.0/0"), v4, "eth0"); err != nil {
		t.Fatalf("Install v4 default: %v", err)
	}

	if _, ok := tbl.Lookup(mustAddr(t, "2001:db8::42")); ok {
		t.Fatal("v4 default route must not match a v6 destination")
	}

	if err := tbl.Install(mustPrefix(t, "::/0"), v6, "eth1"); err != nil {
		t.Fatalf("Install v6 default: %v", err)
	}
	entry, ok := tbl.Lookup(mustAddr(t, "2001:db8::42"))
	if !ok || entry.NextHop != v6 {
		t.Errorf("v6 lookup = %+v (ok=%v), want the v6 default route", entry, ok)
	}
	if got := tbl.Size(); got != 2 {
		t.Errorf("Size() = %d, want 2 (one per family)", got)
	}
}

// TestConcurrentReadersDuringWrites exercises the copy-on-write contract:
// a Lookup running concurrently with Install/Withdraw must always observe
// either the pre- or post-write state, never a torn node.
func TestConcurrentReadersDuringWrites(t *testing.T) {
	var tbl Table
	base := mustPrefix(t, "10.0.0.0/8")
	if err := tbl.Install(base, mustAddr(t, "10.0.0.1"), "eth0"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			pfx := netip.PrefixFrom(netip.AddrFrom4([4]byte{10, byte(i % 256), 0, 0}), 24)
			_ = tbl.Install(pfx, mustAddr(t, "10.0.0.2"), "eth1")
			tbl.Withdraw(pfx)
		}
	}()

	for i := 0; i < 1000; i++ {
		entry, ok := tbl.Lookup(mustAddr(t, "10.9.9.9"))
		if !ok {
			t.Error("lookup unexpectedly missed the always-present /8 route")
			break
		}
		if entry.Egress != "eth0" && entry.Egress != "eth1" {
			t.Errorf("lookup returned unexpected egress %q", entry.Egress)
			break
		}
	}

	close(stop)
	wg.Wait()
}
