package adjacency

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDriver struct {
	mu         sync.Mutex
	transports int
	opens      int
	keepalives int
	ups        int
	downs      int
	downReason string
}

func (f *fakeDriver) InitiateTransport(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transports++
}

func (f *fakeDriver) SendOpen(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
}

func (f *fakeDriver) SendKeepalive(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepalives++
}

func (f *fakeDriver) NotifyUp() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ups++
}

func (f *fakeDriver) NotifyDown(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downs++
	f.downReason = reason
}

func (f *fakeDriver) snapshot() fakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeDriver{
		transports: f.transports,
		opens:      f.opens,
		keepalives: f.keepalives,
		ups:        f.ups,
		downs:      f.downs,
		downReason: f.downReason,
	}
}

func waitForState(t *testing.T, n *Neighbor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, got %s", want, n.State())
}

func TestNeighborBringUpToEstablished(t *testing.T) {
	driver := &fakeDriver{}
	cfg := Config{
		HoldTime:          time.Second,
		KeepaliveInterval: 200 * time.Millisecond,
		RetryInterval:     200 * time.Millisecond,
	}
	n := NewNeighbor(netip.MustParseAddr("192.0.2.1"), cfg, driver, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.Run(ctx)
	}()

	n.Start()
	waitForState(t, n, StateConnecting)

	n.TransportUp()
	waitForState(t, n, StateOpenSent)

	n.OpenReceived()
	waitForState(t, n, StateOpenConfirm)

	n.KeepaliveReceived()
	waitForState(t, n, StateEstablished)

	snap := driver.snapshot()
	if snap.transports != 1 || snap.opens != 1 || snap.ups != 1 {
		t.Errorf("driver calls = %+v, want 1 transport/open/up", snap)
	}

	cancel()
	wg.Wait()
}

func TestNeighborHoldTimerExpiryNotifiesDown(t *testing.T) {
	driver := &fakeDriver{}
	cfg := Config{
		HoldTime:          50 * time.Millisecond,
		KeepaliveInterval: 20 * time.Millisecond,
		RetryInterval:     time.Hour,
	}
	n := NewNeighbor(netip.MustParseAddr("192.0.2.2"), cfg, driver, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.Run(ctx)
	}()

	n.Start()
	waitForState(t, n, StateConnecting)
	n.TransportUp()
	waitForState(t, n, StateOpenSent)
	n.OpenReceived()
	waitForState(t, n, StateOpenConfirm)
	n.KeepaliveReceived()
	waitForState(t, n, StateEstablished)

	// Stop sending keepalives; the hold timer should expire and fail
	// the adjacency.
	waitForState(t, n, StateFailed)

	snap := driver.snapshot()
	if snap.downs != 1 {
		t.Errorf("downs = %d, want 1", snap.downs)
	}

	cancel()
	wg.Wait()
}

func TestNeighborAdministrativeStop(t *testing.T) {
	driver := &fakeDriver{}
	cfg := Config{
		HoldTime:          time.Second,
		KeepaliveInterval: 200 * time.Millisecond,
		RetryInterval:     time.Hour,
	}
	n := NewNeighbor(netip.MustParseAddr("192.0.2.3"), cfg, driver, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.Run(ctx)
	}()

	n.Start()
	waitForState(t, n, StateConnecting)
	n.TransportUp()
	waitForState(t, n, StateOpenSent)
	n.OpenReceived()
	waitForState(t, n, StateOpenConfirm)
	n.KeepaliveReceived()
	waitForState(t, n, StateEstablished)

	n.Stop()
	waitForState(t, n, StateIdle)

	snap := driver.snapshot()
	if snap.downs != 1 {
		t.Errorf("downs = %d, want 1 (administrative stop must notify down)", snap.downs)
	}

	cancel()
	wg.Wait()
}
