package optimizer

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// errInfeasibleLP marks an LP with an empty feasible region, as opposed to a
// numerical failure. The engine's relaxation loop keys off this.
var errInfeasibleLP = errors.New("infeasible linear program")

type rowSense int

const (
	rowEQ rowSense = iota
	rowLE
	rowGE
)

type lpRow struct {
	coeffs map[int]float64
	sense  rowSense
	rhs    float64
}

// lpProblem is a linear program over non-negative variables, built in
// natural (mixed-sense) form and converted to the equality standard form
// gonum's simplex expects only at solve time.
type lpProblem struct {
	nVars int
	obj   []float64 // minimization coefficients, len nVars
	rows  []lpRow
}

func newLPProblem(nVars int) *lpProblem {
	return &lpProblem{
		nVars: nVars,
		obj:   make([]float64, nVars),
	}
}

func (p *lpProblem) setObjective(coeffs map[int]float64) {
	for i := range p.obj {
		p.obj[i] = 0
	}
	for idx, c := range coeffs {
		p.obj[idx] = c
	}
}

func (p *lpProblem) addRow(sense rowSense, rhs float64, coeffs map[int]float64) {
	cp := make(map[int]float64, len(coeffs))
	for idx, c := range coeffs {
		if c != 0 {
			cp[idx] = c
		}
	}
	p.rows = append(p.rows, lpRow{coeffs: cp, sense: sense, rhs: rhs})
}

// clone copies the problem so branch-and-bound nodes can append branching
// rows without touching the parent.
func (p *lpProblem) clone() *lpProblem {
	cp := &lpProblem{
		nVars: p.nVars,
		obj:   append([]float64(nil), p.obj...),
		rows:  make([]lpRow, len(p.rows)),
	}
	copy(cp.rows, p.rows)
	return cp
}

// solve converts to standard form (slack per inequality, rows normalized to
// non-negative rhs) and runs the dense simplex. Returns the optimum of the
// minimization objective and the values of the structural variables.
func (p *lpProblem) solve() (float64, []float64, error) {
	nSlack := 0
	for _, row := range p.rows {
		if row.sense != rowEQ {
			nSlack++
		}
	}

	nRows := len(p.rows)
	nCols := p.nVars + nSlack
	if nRows == 0 {
		return 0, make([]float64, p.nVars), nil
	}

	a := mat.NewDense(nRows, nCols, nil)
	b := make([]float64, nRows)
	c := make([]float64, nCols)
	copy(c, p.obj)

	slackIdx := p.nVars
	for i, row := range p.rows {
		sign := 1.0
		if row.rhs < 0 {
			// Normalize to non-negative rhs; flips the inequality sense.
			sign = -1.0
		}
		for idx, coef := range row.coeffs {
			a.Set(i, idx, sign*coef)
		}
		b[i] = sign * row.rhs

		sense := row.sense
		if sign < 0 {
			switch sense {
			case rowLE:
				sense = rowGE
			case rowGE:
				sense = rowLE
			}
		}
		switch sense {
		case rowLE:
			a.Set(i, slackIdx, 1) // slack
			slackIdx++
		case rowGE:
			a.Set(i, slackIdx, -1) // surplus
			slackIdx++
		}
	}

	opt, x, err := lp.Simplex(c, a, b, 0, nil)
	if err != nil {
		if errors.Is(err, lp.ErrInfeasible) {
			return 0, nil, errInfeasibleLP
		}
		return 0, nil, fmt.Errorf("simplex failed: %w", err)
	}

	return opt, x[:p.nVars], nil
}
