package internal

import (
	"math/rand"

	"github.com/facebookgo/clock"
)

// Clock is the single injectable source of wall-clock time. Every
// time-related task (task.Now) and every event timestamp goes through it
// instead of calling time.Now directly, so tests can substitute a mock
// and drive deterministic replays.
type Clock = clock.Clock

// SystemClock is the default Clock used outside of tests.
var SystemClock Clock = clock.New()

// NewMockClock returns a stopped clock that tests advance explicitly
// with Add.
func NewMockClock() *clock.Mock {
	return clock.NewMock()
}

// Rand is the single injectable source of randomness for task.RandInt /
// task.RandRange, mirroring Clock's role for task.Now.
type Rand interface {
	Intn(n int) int
}

// SystemRand is the default Rand, backed by math/rand's global source.
var SystemRand Rand = systemRand{}

type systemRand struct{}

func (systemRand) Intn(n int) int { return rand.Intn(n) }
