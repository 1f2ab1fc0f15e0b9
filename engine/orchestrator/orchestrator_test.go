package orchestrator

import (
	"testing"
	"time"

	"github.com/quietwire/poisson/engine/activity"
	"github.com/quietwire/poisson/engine/bandwidth"
	"github.com/quietwire/poisson/engine/config"
	"github.com/quietwire/poisson/engine/dispatch"
	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/internal/rng"
)

type fakeHosts struct{ host string }

func (f fakeHosts) RandomHostname(rng.Source) (string, bool) {
	if f.host == "" {
		return "", false
	}
	return f.host, true
}

func newTestOrchestrator(t *testing.T, scheduleMode models.ScheduleMode) (*Orchestrator, *dispatch.Dispatcher) {
	t.Helper()
	dnsEng := dispatch.NewDNS(fakeHosts{host: "resolver.example.test"}, 1, 512)
	d := dispatch.New([]dispatch.Engine{dnsEng}, rng.NewStreams(1).Sub("dispatch"))

	opts := config.Defaults()
	opts.ScheduleMode = scheduleMode
	live := config.NewLive(opts)

	o := New(Dependencies{
		Dispatch: d,
		Governor: bandwidth.New(time.Hour, 1_000_000, nil),
		Ring:     activity.New(10),
		Live:     live,
		RootRNG:  rng.NewStreams(7),
	})
	return o, d
}

func TestCustomWindow_OpenDuringConfiguredHoursOnly(t *testing.T) {
	w := customWindow{startHour: 18, endHour: 23}
	at := func(hour int) time.Time { return time.Date(2026, 7, 31, hour, 0, 0, 0, time.UTC) }
	if !w.open(at(19)) {
		t.Fatal("expected 19:00 to be inside the window")
	}
	if w.open(at(10)) {
		t.Fatal("expected 10:00 to be outside the window")
	}
}

func TestCustomWindow_WrapsMidnight(t *testing.T) {
	w := customWindow{startHour: 22, endHour: 2}
	at := func(hour int) time.Time { return time.Date(2026, 7, 31, hour, 0, 0, 0, time.UTC) }
	if !w.open(at(23)) {
		t.Fatal("expected 23:00 to be inside a wrapping window")
	}
	if !w.open(at(1)) {
		t.Fatal("expected 01:00 to be inside a wrapping window")
	}
	if w.open(at(12)) {
		t.Fatal("expected noon to be outside a wrapping window")
	}
}

func TestGate_AlwaysModeIsAlwaysOpen(t *testing.T) {
	o, _ := newTestOrchestrator(t, models.ScheduleAlways)
	o.SetPresence(PresenceAway)
	if !o.gate() {
		t.Fatal("expected always mode to stay open regardless of presence")
	}
}

func TestGate_HomeOnlyFollowsPresence(t *testing.T) {
	o, _ := newTestOrchestrator(t, models.ScheduleHomeOnly)
	if !o.gate() {
		t.Fatal("expected home_only to default open (presence defaults to home)")
	}
	o.SetPresence(PresenceAway)
	if o.gate() {
		t.Fatal("expected home_only to close once presence is away")
	}
}

func TestGate_AwayOnlyFollowsPresence(t *testing.T) {
	o, _ := newTestOrchestrator(t, models.ScheduleAwayOnly)
	if o.gate() {
		t.Fatal("expected away_only to be closed while presence defaults to home")
	}
	o.SetPresence(PresenceAway)
	if !o.gate() {
		t.Fatal("expected away_only to open once presence is away")
	}
}

func TestDNSGate_RequiresEngineEnabledAndScheduleOpen(t *testing.T) {
	o, d := newTestOrchestrator(t, models.ScheduleAlways)
	if !o.dnsGate() {
		t.Fatal("expected dns gate open by default (dns is safety-default enabled)")
	}
	eng, _ := d.Engine(models.EngineDNS)
	eng.Spec().SetEnabled(false)
	if o.dnsGate() {
		t.Fatal("expected dns gate closed once the dns engine is disabled")
	}
}

func TestNotifyGateChanged_SwapsChannelAndClosesPrevious(t *testing.T) {
	o, _ := newTestOrchestrator(t, models.ScheduleAlways)
	prev := o.gateSignal()
	o.NotifyGateChanged()
	select {
	case <-prev:
	default:
		t.Fatal("expected the previous gate channel to be closed")
	}
	next := o.gateSignal()
	select {
	case <-next:
		t.Fatal("expected the new gate channel to still be open")
	default:
	}
}

func TestDispatchDNS_RecordsActivityAndUpdatesRequestCount(t *testing.T) {
	o, d := newTestOrchestrator(t, models.ScheduleAlways)
	eng, _ := d.Engine(models.EngineDNS)
	dnsEng := eng.(dispatch.DNSEngine)

	before := o.RequestsToday()
	o.dispatchDNS(dnsEng)
	if o.RequestsToday() != before+1 {
		t.Fatalf("expected RequestsToday to increment, got %d -> %d", before, o.RequestsToday())
	}
	if o.ring.Len() != 1 {
		t.Fatalf("expected one activity entry, got %d", o.ring.Len())
	}
}

func TestDispatchDNS_SkipsWhenGovernorRejects(t *testing.T) {
	o, d := newTestOrchestrator(t, models.ScheduleAlways)
	o.governor = bandwidth.New(time.Hour, 1, nil) // cap so tiny any task is rejected
	eng, _ := d.Engine(models.EngineDNS)
	dnsEng := eng.(dispatch.DNSEngine)

	o.dispatchDNS(dnsEng)
	if o.ring.Len() != 1 {
		t.Fatalf("expected a skipped entry to still be recorded, got %d entries", o.ring.Len())
	}
}

func TestEngineEnabled_ReflectsSpecToggle(t *testing.T) {
	o, d := newTestOrchestrator(t, models.ScheduleAlways)
	if !o.engineEnabled(models.EngineDNS) {
		t.Fatal("expected dns to be enabled by default")
	}
	eng, _ := d.Engine(models.EngineDNS)
	eng.Spec().SetEnabled(false)
	if o.engineEnabled(models.EngineDNS) {
		t.Fatal("expected dns to report disabled after toggling")
	}
	if o.engineEnabled(models.EngineSearch) {
		t.Fatal("expected an unregistered engine name to report disabled")
	}
}
