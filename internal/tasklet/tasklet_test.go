package tasklet_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mtdatapath/corepath/internal/tasklet"
)

// recorder is a tasklet that logs its own name into a shared, mutex-guarded
// slice every round, then reports AllDone after a fixed number of rounds.
type recorder struct {
	name       string
	log        *[]string
	mu         *sync.Mutex
	roundsLeft int
}

func (r *recorder) Name() string    { return r.name }
func (r *recorder) PreStart() error { return nil }
func (r *recorder) Start() error    { return nil }
func (r *recorder) Stop() error     { return nil }
func (r *recorder) Handler() tasklet.Progress {
	r.mu.Lock()
	*r.log = append(*r.log, r.name)
	r.mu.Unlock()
	r.roundsLeft--
	if r.roundsLeft > 0 {
		return tasklet.HasPending
	}
	return tasklet.AllDone
}

func TestSchedGroupInvokesInRegistrationOrder(t *testing.T) {
	var mu sync.Mutex
	var log []string

	g := tasklet.NewGroup(zap.NewNop(), "test", -1, time.Millisecond, 10*time.Millisecond, 0)
	g.Register(&recorder{name: "a", log: &log, mu: &mu, roundsLeft: 1})
	g.Register(&recorder{name: "b", log: &log, mu: &mu, roundsLeft: 1})
	g.Register(&recorder{name: "c", log: &log, mu: &mu, roundsLeft: 1})

	require.NoError(t, g.Start())
	// Every tasklet reports AllDone after round 1, so the group goes idle
	// and starts adaptively sleeping; give it one scheduling window then stop.
	time.Sleep(5 * time.Millisecond)
	g.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(log), 3)
	require.Equal(t, []string{"a", "b", "c"}, log[:3])
}

func TestSchedGroupSleepsOnlyWhenIdle(t *testing.T) {
	g := tasklet.NewGroup(zap.NewNop(), "test", -1, 5*time.Millisecond, 10*time.Millisecond, 0)
	var mu sync.Mutex
	var log []string
	// Keeps reporting HasPending for far longer than the observation window,
	// so the group should not sleep at all during that stretch.
	g.Register(&recorder{name: "busy", log: &log, mu: &mu, roundsLeft: 10_000_000})

	require.NoError(t, g.Start())
	time.Sleep(10 * time.Millisecond)
	sleptWhileBusy := g.SleptNs()
	g.Stop()

	require.Zero(t, sleptWhileBusy, "scheduler must not sleep while a tasklet still has pending work")
}

func TestSchedGroupSleepsWhenAllDone(t *testing.T) {
	g := tasklet.NewGroup(zap.NewNop(), "test", -1, 5*time.Millisecond, 10*time.Millisecond, 0)
	var mu sync.Mutex
	var log []string
	g.Register(&recorder{name: "quick", log: &log, mu: &mu, roundsLeft: 1})

	require.NoError(t, g.Start())
	time.Sleep(20 * time.Millisecond)
	g.Stop()

	require.Greater(t, g.SleptNs(), int64(0))
}

func TestSchedGroupCannotStartTwice(t *testing.T) {
	g := tasklet.NewGroup(zap.NewNop(), "test", -1, time.Millisecond, time.Millisecond, 0)
	require.NoError(t, g.Start())
	defer g.Stop()
	require.Error(t, g.Start())
}

func TestSchedGroupRequestExitStopsOneTasklet(t *testing.T) {
	var mu sync.Mutex
	var log []string
	g := tasklet.NewGroup(zap.NewNop(), "test", -1, time.Millisecond, 5*time.Millisecond, 0)
	g.Register(&recorder{name: "a", log: &log, mu: &mu, roundsLeft: 1000})

	require.NoError(t, g.Start())
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, g.RequestExit("a"))
	require.Error(t, g.RequestExit("missing"))
	g.Stop()
}
