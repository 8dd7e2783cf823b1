package rib

import (
	"net/netip"
	"testing"
	"time"

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

func TestUpdateThenBest(t *testing.T) {
	r := New(nil)
	pfx := mustPrefix(t, "10.0.0.0/24")

	r.Update(Candidate{
		Prefix:  pfx,
		NextHop: mustAddr(t, "192.0.2.1"),
		Egress:  "eth0",
		Source:  SourceStatic,
	})

	best, ok := r.Best(pfx)
	if !ok {
		t.Fatal("expected a best route")
	}
	if best.Source != SourceStatic || best.Egress != "eth0" {
		t.Errorf("best = %+v, want static/eth0", best)
	}
}

func TestLowerAdminDistanceWins(t *testing.T) {
	r := New(nil)
	pfx := mustPrefix(t, "10.0.0.0/24")

	r.Update(Candidate{Prefix: pfx, NextHop: mustAddr(t, "192.0.2.1"), Source: SourceBGP})
	r.Update(Candidate{Prefix: pfx, NextHop: mustAddr(t, "192.0.2.2"), Source: SourceOSPF})

	best, ok := r.Best(pfx)
	if !ok || best.Source != SourceOSPF {
		t.Errorf("best = %+v (ok=%v), want OSPF (distance 110 < BGP 200)", best, ok)
	}
}

func TestLowerMetricWinsAtEqualDistance(t *testing.T) {
	r := New(nil)
	pfx := mustPrefix(t, "10.0.0.0/24")

	r.Update(Candidate{Prefix: pfx, NextHop: mustAddr(t, "192.0.2.1"), Source: SourceOSPF, AdminDistance: 110, Metric: 20})
	r.Update(Candidate{Prefix: pfx, NextHop: mustAddr(t, "192.0.2.2"), Source: SourceISIS, AdminDistance: 110, Metric: 10})

	best, ok := r.Best(pfx)
	if !ok || best.Metric != 10 {
		t.Errorf("best = %+v (ok=%v), want metric-10 route", best, ok)
	}
}

func TestWithdrawFallsBackToNextBest(t *testing.T) {
	r := New(nil)
	pfx := mustPrefix(t, "10.0.0.0/24")

	r.Update(Candidate{Prefix: pfx, NextHop: mustAddr(t, "192.0.2.1"), Source: SourceOSPF})
	r.Update(Candidate{Prefix: pfx, NextHop: mustAddr(t, "192.0.2.2"), Source: SourceBGP})

	r.Withdraw(pfx, SourceOSPF)

	best, ok := r.Best(pfx)
	if !ok || best.Source != SourceBGP {
		t.Errorf("best = %+v (ok=%v), want fallback to BGP", best, ok)
	}
}

func TestWithdrawLastCandidateRemovesPrefix(t *testing.T) {
	r := New(nil)
	pfx := mustPrefix(t, "10.0.0.0/24")

	r.Update(Candidate{Prefix: pfx, NextHop: mustAddr(t, "192.0.2.1"), Source: SourceStatic})
	r.Withdraw(pfx, SourceStatic)

	if _, ok := r.Best(pfx); ok {
		t.Fatal("expected no best route after withdrawing the only candidate")
	}
}

func TestWithdrawUnknownSourceIsNoop(t *testing.T) {
	r := New(nil)
	pfx := mustPrefix(t, "10.0.0.0/24")
	r.Update(Candidate{Prefix: pfx, NextHop: mustAddr(t, "192.0.2.1"), Source: SourceStatic})

	r.Withdraw(pfx, SourceBGP) // never installed

	best, ok := r.Best(pfx)
	if !ok || best.Source != SourceStatic {
		t.Errorf("withdraw of absent source mutated the table: best = %+v (ok=%v)", best, ok)
	}
}

func TestSelectionChangeFiresOnBestTransition(t *testing.T) {
	r := New(nil)
	pfx := mustPrefix(t, "10.0.0.0/24")

	r.Update(Candidate{Prefix: pfx, NextHop: mustAddr(t, "192.0.2.1"), Source: SourceBGP})

	select {
	case c := <-r.SelectionChanges():
		if c.Old != nil {
			t.Errorf("first insert should have nil Old, got %+v", c.Old)
		}
		if c.New == nil || c.New.Source != SourceBGP {
			t.Errorf("New = %+v, want BGP candidate", c.New)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a selection-change notification")
	}

	r.Update(Candidate{Prefix: pfx, NextHop: mustAddr(t, "192.0.2.2"), Source: SourceOSPF})

	select {
	case c := <-r.SelectionChanges():
		if c.Old == nil || c.Old.Source != SourceBGP {
			t.Errorf("Old = %+v, want the previous BGP candidate", c.Old)
		}
		if c.New == nil || c.New.Source != SourceOSPF {
			t.Errorf("New = %+v, want the preferred OSPF candidate", c.New)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a selection-change notification on best-route transition")
	}
}

func TestUpdateWithoutBestChangeDoesNotNotify(t *testing.T) {
	r := New(nil)
	pfx := mustPrefix(t, "10.0.0.0/24")

	r.Update(Candidate{Prefix: pfx, NextHop: mustAddr(t, "192.0.2.1"), Source: SourceOSPF, AdminDistance: 110, Metric: 5})
	<-r.SelectionChanges() // drain the initial notification

	// A worse candidate joins the same prefix; best route must not change.
	r.Update(Candidate{Prefix: pfx, NextHop: mustAddr(t, "192.0.2.2"), Source: SourceBGP})

	select {
	case c := <-r.SelectionChanges():
		t.Fatalf("unexpected notification for a non-best-changing update: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAllBestAggregatesAcrossShards(t *testing.T) {
	r := New(nil)
	for i := 0; i < 50; i++ {
		pfx := netip.PrefixFrom(netip.AddrFrom4([4]byte{10, byte(i), 0, 0}), 24)
		r.Update(Candidate{Prefix: pfx, NextHop: mustAddr(t, "192.0.2.1"), Source: SourceStatic})
	}

	all := r.AllBest()
	if len(all) != 50 {
		t.Errorf("AllBest returned %d entries, want 50", len(all))
	}
}
