package scenario

import (
	"math/rand"

	"github.com/foliofund/allocator/internal/domain"
)

// StageOutcome is the absorbing state a simulated company ends in.
type StageOutcome string

const (
	OutcomeExit    StageOutcome = "exit"
	OutcomeFailure StageOutcome = "failure"
)

// StageProbabilities holds one stage's transition distribution. Graduate
// advances to the next stage, Exit and Fail are absorbing. The three values
// sum to 1.
type StageProbabilities struct {
	Graduate float64 `json:"graduate"`
	Exit     float64 `json:"exit"`
	Fail     float64 `json:"fail"`
}

// TransitionTable maps each non-terminal stage to its transition
// probabilities. Series C has no graduation target; its graduate mass is
// folded into exit during the walk.
type TransitionTable map[domain.Stage]StageProbabilities

// DefaultTransitions is calibrated from historical round data using the
// subsequent-investment rule (see CalibrateTransitions).
var DefaultTransitions = TransitionTable{
	domain.StageSeed:    {Graduate: 0.40, Exit: 0.05, Fail: 0.55},
	domain.StageSeriesA: {Graduate: 0.48, Exit: 0.12, Fail: 0.40},
	domain.StageSeriesB: {Graduate: 0.45, Exit: 0.25, Fail: 0.30},
	domain.StageSeriesC: {Graduate: 0.00, Exit: 0.65, Fail: 0.35},
}

var stageOrder = []domain.Stage{
	domain.StageSeed,
	domain.StageSeriesA,
	domain.StageSeriesB,
	domain.StageSeriesC,
}

func nextStage(s domain.Stage) (domain.Stage, bool) {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// StagePath is the result of one absorbing-chain walk.
type StagePath struct {
	Start   domain.Stage
	Rounds  int // rounds survived before absorption
	Outcome StageOutcome
}

// WalkStages simulates one company through the discrete-time absorbing chain
// {Seed, A, B, C} -> {Exit, Failure}, starting at the given stage. The walk
// consumes exactly one uniform draw per round, so its effect on the shared
// RNG stream is a deterministic function of the outcome path.
func WalkStages(rng *rand.Rand, table TransitionTable, start domain.Stage) StagePath {
	path := StagePath{Start: start}
	current := start
	for {
		probs, ok := table[current]
		if !ok {
			// Unknown stage: treat as immediate exit rather than looping.
			path.Outcome = OutcomeExit
			return path
		}
		u := rng.Float64()
		path.Rounds++
		switch {
		case u < probs.Fail:
			path.Outcome = OutcomeFailure
			return path
		case u < probs.Fail+probs.Exit:
			path.Outcome = OutcomeExit
			return path
		default:
			next, hasNext := nextStage(current)
			if !hasNext {
				// Terminal stage graduation counts as an exit.
				path.Outcome = OutcomeExit
				return path
			}
			current = next
		}
	}
}

// RoundObservation is one historical company record used for calibration.
// RaisedNext is true when a subsequent round was observed for the company,
// regardless of how it eventually ended.
type RoundObservation struct {
	Stage      domain.Stage
	RaisedNext bool
	Exited     bool
}

// CalibrateTransitions derives per-stage transition probabilities from
// historical observations. A company that raised a later round counts as
// graduated even if it later failed; conditioning on terminal status instead
// would censor in-flight companies and overstate failure rates.
func CalibrateTransitions(observations []RoundObservation) TransitionTable {
	type counts struct{ graduated, exited, total int }
	perStage := make(map[domain.Stage]*counts)

	for _, obs := range observations {
		c, ok := perStage[obs.Stage]
		if !ok {
			c = &counts{}
			perStage[obs.Stage] = c
		}
		c.total++
		switch {
		case obs.RaisedNext:
			c.graduated++
		case obs.Exited:
			c.exited++
		}
	}

	table := make(TransitionTable, len(perStage))
	for stage, c := range perStage {
		if c.total == 0 {
			continue
		}
		g := float64(c.graduated) / float64(c.total)
		e := float64(c.exited) / float64(c.total)
		table[stage] = StageProbabilities{
			Graduate: g,
			Exit:     e,
			Fail:     1 - g - e,
		}
	}
	return table
}

// ExpectedRounds estimates the mean rounds-to-absorption and the failure rate
// for a starting stage by repeated walks. Used to sanity-check configured
// rounds-to-exit values against the calibrated chain.
func ExpectedRounds(rng *rand.Rand, table TransitionTable, start domain.Stage, trials int) (meanRounds, failRate float64) {
	if trials <= 0 {
		return 0, 0
	}
	totalRounds, failures := 0, 0
	for i := 0; i < trials; i++ {
		path := WalkStages(rng, table, start)
		totalRounds += path.Rounds
		if path.Outcome == OutcomeFailure {
			failures++
		}
	}
	return float64(totalRounds) / float64(trials), float64(failures) / float64(trials)
}
