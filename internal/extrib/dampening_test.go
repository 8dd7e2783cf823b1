package extrib_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/routersim/routersim/internal/extrib"
)

func TestDampenerSuppressesRapidFlaps(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := func() time.Time { return now }

	cfg := extrib.DampeningConfig{
		Enabled:           true,
		SuppressThreshold: 3,
		ReuseThreshold:    2,
		MaxSuppressTime:   time.Minute,
		HalfLife:          15 * time.Second,
	}
	d := extrib.NewDampener(cfg, slog.New(slog.DiscardHandler), extrib.WithClock(clock))

	for i := 0; i < 2; i++ {
		if d.ShouldSuppress("198.51.100.1") {
			t.Fatalf("flap %d: suppressed too early", i)
		}
	}
	if !d.ShouldSuppress("198.51.100.1") {
		t.Fatal("expected suppression after 3 rapid flaps")
	}
}

func TestDampenerDecaysAndUnsuppresses(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := func() time.Time { return now }

	cfg := extrib.DampeningConfig{
		Enabled:           true,
		SuppressThreshold: 3,
		ReuseThreshold:    2,
		MaxSuppressTime:   time.Minute,
		HalfLife:          10 * time.Second,
	}
	d := extrib.NewDampener(cfg, slog.New(slog.DiscardHandler), extrib.WithClock(clock))

	for i := 0; i < 3; i++ {
		d.ShouldSuppress("198.51.100.1")
	}

	now = now.Add(40 * time.Second)
	if d.ShouldSuppressUp("198.51.100.1") {
		t.Fatal("expected penalty to have decayed below the reuse threshold")
	}
}

func TestDampenerDisabledNeverSuppresses(t *testing.T) {
	t.Parallel()

	d := extrib.NewDampener(extrib.DefaultDampeningConfig(), slog.New(slog.DiscardHandler))

	for i := 0; i < 10; i++ {
		if d.ShouldSuppress("198.51.100.1") {
			t.Fatal("disabled dampener must never suppress")
		}
	}
}

func TestDampenerReset(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := func() time.Time { return now }

	cfg := extrib.DampeningConfig{
		Enabled:           true,
		SuppressThreshold: 2,
		ReuseThreshold:    1,
		MaxSuppressTime:   time.Minute,
		HalfLife:          15 * time.Second,
	}
	d := extrib.NewDampener(cfg, slog.New(slog.DiscardHandler), extrib.WithClock(clock))

	d.ShouldSuppress("198.51.100.1")
	d.ShouldSuppress("198.51.100.1")
	d.Reset("198.51.100.1")

	if d.ShouldSuppress("198.51.100.1") {
		t.Fatal("expected penalty to have been cleared by Reset")
	}
}
