package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietwire/poisson/engine/bandwidth"
	"github.com/quietwire/poisson/engine/driver"
	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/engine/timing"
	"github.com/quietwire/poisson/internal/rng"
)

type recordingRecorder struct {
	entries []models.ActivityEntry
}

func (r *recordingRecorder) Record(e models.ActivityEntry) { r.entries = append(r.entries, e) }

type singleTaskSource struct {
	url       string
	bytes     int64
	completed int
}

func (s *singleTaskSource) ProduceTask(state timing.State, sess *models.Session) (models.Task, bool) {
	if state == timing.StateLand {
		return models.Task{Engine: models.EngineBrowse, URL: s.url, ExpectedBytes: s.bytes, Kind: models.TaskKindPage}, true
	}
	return models.Task{}, false
}

func (s *singleTaskSource) OnComplete(task models.Task, outcome models.Outcome, bytes int64) {
	s.completed++
}

func unlimitedGovernor() Admitter {
	return bandwidth.New(time.Hour, 0, bandwidth.RealClock{})
}

func TestRun_CompletesAndReleasesSlot(t *testing.T) {
	mgr := New(1, unlimitedGovernor(), RealClock{})
	streams := rng.NewStreams(1)
	// land -> leave only, so the session is one land dwell (median 4s,
	// capped at 8s) and fits inside the 15s hard cap of a 10s plan.
	chain := timing.NewChain(streams.Sub("markov")).WithTransitions(map[timing.State]map[timing.State]float64{
		timing.StateLand: {timing.StateLeave: 1},
	})
	persona := &models.Persona{Name: "p1"}
	sess := models.NewSession("s1", persona, "news", time.Now(), 10*time.Second, 10)
	source := &singleTaskSource{url: "http://example.test", bytes: 1000}
	rec := &recordingRecorder{}

	fakeFactory := func(p *models.Persona) driver.PageDriver {
		return driver.NewFake(1000, 0, streams.Sub("driver"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	err := mgr.Run(ctx, sess, chain, source, fakeFactory, rec)
	require.NoError(t, err)
	assert.Equal(t, models.SessionDone, sess.State())
	assert.Equal(t, 0, mgr.ActiveCount())
	assert.Equal(t, int64(0), mgr.SlotLeaks())
	assert.Greater(t, source.completed, 0)
}

func TestRun_RejectsWhenNoFreeSlot(t *testing.T) {
	mgr := New(1, unlimitedGovernor(), RealClock{})
	streams := rng.NewStreams(2)
	chain := timing.NewChain(streams.Sub("markov"))
	rec := &recordingRecorder{}
	slow := &blockingSource{release: make(chan struct{})}
	fakeFactory := func(p *models.Persona) driver.PageDriver {
		return driver.NewFake(100, 0, streams.Sub("driver"))
	}

	sess1 := models.NewSession("a", &models.Persona{Name: "p"}, "t", time.Now(), time.Hour, 10)
	done := make(chan error, 1)
	go func() {
		done <- mgr.Run(context.Background(), sess1, chain, slow, fakeFactory, rec)
	}()

	// give the first Run a moment to acquire its slot
	time.Sleep(20 * time.Millisecond)

	sess2 := models.NewSession("b", &models.Persona{Name: "p2"}, "t", time.Now(), time.Hour, 10)
	err := mgr.Run(context.Background(), sess2, chain, slow, fakeFactory, rec)
	assert.ErrorIs(t, err, ErrNoSlot)

	close(slow.release)
	<-done
}

// blockingSource never produces a task and never lets Land finish dwelling
// quickly in production use, but for this test we rely on ProduceTask
// gating via the release channel to hold the slot open deterministically.
type blockingSource struct {
	release chan struct{}
	opened  bool
}

func (b *blockingSource) ProduceTask(state timing.State, sess *models.Session) (models.Task, bool) {
	if !b.opened {
		b.opened = true
		<-b.release
	}
	return models.Task{}, false
}

func (b *blockingSource) OnComplete(models.Task, models.Outcome, int64) {}

func TestCancel_ForceReleasesAfterGraceDeadline(t *testing.T) {
	mgr := New(1, unlimitedGovernor(), RealClock{})
	streams := rng.NewStreams(3)
	chain := timing.NewChain(streams.Sub("markov"))
	rec := &recordingRecorder{}

	stuck := &stuckDriverSource{}
	fakeFactory := func(p *models.Persona) driver.PageDriver { return &stuckDriver{} }

	sess := models.NewSession("stuck", &models.Persona{Name: "p"}, "t", time.Now(), time.Hour, 10)
	go func() { _ = mgr.Run(context.Background(), sess, chain, stuck, fakeFactory, rec) }()

	time.Sleep(20 * time.Millisecond)
	// This test's stuckDriver ignores ctx cancellation entirely, so Cancel
	// must hit its grace deadline and force-release.
	mgr.Cancel("stuck", "test")
	assert.Equal(t, int64(1), mgr.SlotLeaks())
}

type stuckDriverSource struct{}

func (stuckDriverSource) ProduceTask(state timing.State, sess *models.Session) (models.Task, bool) {
	return models.Task{Engine: models.EngineBrowse, URL: "http://stuck.test"}, true
}
func (stuckDriverSource) OnComplete(models.Task, models.Outcome, int64) {}

// stuckDriver's Open blocks forever, regardless of ctx, simulating a
// page driver that fails to honor cancellation.
type stuckDriver struct{}

func (stuckDriver) Open(ctx context.Context, url string, persona *models.Persona, timeout time.Duration) driver.Result {
	select {}
}
func (stuckDriver) Follow(ctx context.Context, linkIndex int, timeout time.Duration) driver.Result {
	return driver.Result{}
}
func (stuckDriver) ClickAd(ctx context.Context, timeout time.Duration) driver.Result {
	return driver.Result{}
}
func (stuckDriver) Close() error { return nil }
