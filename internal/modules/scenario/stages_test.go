package scenario

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliofund/allocator/internal/domain"
)

func TestWalkStagesAlwaysAbsorbs(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		path := WalkStages(rng, DefaultTransitions, domain.StageSeed)
		require.GreaterOrEqual(t, path.Rounds, 1)
		require.LessOrEqual(t, path.Rounds, len(stageOrder), "seed start can survive at most one round per stage")
		require.Contains(t, []StageOutcome{OutcomeExit, OutcomeFailure}, path.Outcome)
		require.Equal(t, domain.StageSeed, path.Start)
	}
}

func TestWalkStagesTerminalGraduationExits(t *testing.T) {
	// Series C graduates with certainty, and graduation out of the terminal
	// stage counts as an exit.
	table := TransitionTable{
		domain.StageSeriesC: {Graduate: 1, Exit: 0, Fail: 0},
	}
	rng := rand.New(rand.NewSource(2))
	path := WalkStages(rng, table, domain.StageSeriesC)
	assert.Equal(t, OutcomeExit, path.Outcome)
	assert.Equal(t, 1, path.Rounds)
}

func TestWalkStagesUnknownStageExitsImmediately(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	path := WalkStages(rng, DefaultTransitions, domain.Stage("pre_seed"))
	assert.Equal(t, OutcomeExit, path.Outcome)
	assert.Equal(t, 0, path.Rounds)
}

func TestWalkStagesConsumesOneDrawPerRound(t *testing.T) {
	// Replay the same seed through the walk and through manual draws; the
	// number of uniforms consumed must equal the rounds survived.
	for seed := int64(0); seed < 50; seed++ {
		a := rand.New(rand.NewSource(seed))
		path := WalkStages(a, DefaultTransitions, domain.StageSeed)
		next := a.Float64()

		b := rand.New(rand.NewSource(seed))
		for i := 0; i < path.Rounds; i++ {
			b.Float64()
		}
		require.Equal(t, next, b.Float64(), "seed %d: walk consumed a draw count other than its rounds", seed)
	}
}

func TestWalkStagesLaterStagesFailLess(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	_, seedFail := ExpectedRounds(rng, DefaultTransitions, domain.StageSeed, 20000)
	_, cFail := ExpectedRounds(rng, DefaultTransitions, domain.StageSeriesC, 20000)
	assert.Greater(t, seedFail, cFail, "cumulative failure from seed should exceed series C")
	assert.InDelta(t, 0.35, cFail, 0.02, "series C failure is a single 0.35 draw")
}

func TestCalibrateTransitionsSubsequentRoundRule(t *testing.T) {
	obs := []RoundObservation{
		// Raised a later round and then died: still a graduation.
		{Stage: domain.StageSeed, RaisedNext: true, Exited: false},
		{Stage: domain.StageSeed, RaisedNext: true, Exited: true},
		{Stage: domain.StageSeed, RaisedNext: false, Exited: true},
		{Stage: domain.StageSeed, RaisedNext: false, Exited: false},
	}
	table := CalibrateTransitions(obs)
	probs, ok := table[domain.StageSeed]
	require.True(t, ok)
	assert.InDelta(t, 0.5, probs.Graduate, 1e-12)
	assert.InDelta(t, 0.25, probs.Exit, 1e-12)
	assert.InDelta(t, 0.25, probs.Fail, 1e-12)
	assert.InDelta(t, 1.0, probs.Graduate+probs.Exit+probs.Fail, 1e-12)
}

func TestCalibrateTransitionsSkipsEmptyStages(t *testing.T) {
	table := CalibrateTransitions(nil)
	assert.Empty(t, table)

	table = CalibrateTransitions([]RoundObservation{
		{Stage: domain.StageSeriesB, RaisedNext: false, Exited: false},
	})
	require.Len(t, table, 1)
	assert.Equal(t, StageProbabilities{Graduate: 0, Exit: 0, Fail: 1}, table[domain.StageSeriesB])
}

func TestExpectedRoundsMatchesChain(t *testing.T) {
	// Deterministic chain: seed always graduates, A always exits. Every walk
	// lasts exactly two rounds and never fails.
	table := TransitionTable{
		domain.StageSeed:    {Graduate: 1, Exit: 0, Fail: 0},
		domain.StageSeriesA: {Graduate: 0, Exit: 1, Fail: 0},
	}
	rng := rand.New(rand.NewSource(5))
	mean, fail := ExpectedRounds(rng, table, domain.StageSeed, 100)
	assert.Equal(t, 2.0, mean)
	assert.Equal(t, 0.0, fail)

	mean, fail = ExpectedRounds(rng, table, domain.StageSeed, 0)
	assert.Zero(t, mean)
	assert.Zero(t, fail)
}
