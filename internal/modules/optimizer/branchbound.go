package optimizer

import (
	"container/heap"
	"errors"
	"math"
)

// errNodeLimit marks a solve that exceeded the node cap.
var errNodeLimit = errors.New("branch-and-bound node limit exceeded")

// maxNodes caps the branch-and-bound tree. The loss indicators are weakly
// coupled (one cardinality row), so trees stay small in practice; hitting
// the cap is reported as a solver failure rather than a silent wrong answer.
const maxNodes = 4096

// bnbStats accumulates audit metadata across a solve.
type bnbStats struct {
	nodes    int
	lpSolves int
	gap      float64
}

// bnbNode is one subproblem: the base problem plus branching fixings.
type bnbNode struct {
	fixings []fixing
	bound   float64 // LP relaxation optimum (minimization)
	x       []float64
	order   int // creation order, tie-break for determinism
}

type fixing struct {
	varIdx int
	value  int // 0 or 1
}

// nodeQueue is a best-first priority queue: lowest LP bound first, creation
// order as the deterministic tie-break.
type nodeQueue []*bnbNode

func (q nodeQueue) Len() int { return len(q) }
func (q nodeQueue) Less(i, j int) bool {
	if q[i].bound != q[j].bound {
		return q[i].bound < q[j].bound
	}
	return q[i].order < q[j].order
}
func (q nodeQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x interface{}) { *q = append(*q, x.(*bnbNode)) }
func (q *nodeQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// solveMILP runs deterministic best-first branch-and-bound over the model's
// binary variables. Single-threaded and free of randomness: the same model
// always explores the same tree.
func solveMILP(model *milp, stats *bnbStats) ([]float64, float64, error) {
	solveNode := func(fixings []fixing) (float64, []float64, error) {
		prob := model.prob
		if len(fixings) > 0 {
			prob = prob.clone()
			for _, f := range fixings {
				if f.value == 0 {
					prob.addRow(rowLE, 0, map[int]float64{f.varIdx: 1})
				} else {
					prob.addRow(rowGE, 1, map[int]float64{f.varIdx: 1})
				}
			}
		}
		stats.lpSolves++
		return prob.solve()
	}

	rootBound, rootX, err := solveNode(nil)
	if err != nil {
		return nil, 0, err
	}

	if len(model.binaries) == 0 || integral(rootX, model.binaries) {
		stats.nodes++
		stats.gap = 0
		return rootX, rootBound, nil
	}

	var (
		incumbent    []float64
		incumbentObj = math.Inf(1)
		order        int
	)

	queue := &nodeQueue{}
	heap.Init(queue)
	heap.Push(queue, &bnbNode{bound: rootBound, x: rootX, order: order})

	for queue.Len() > 0 {
		node := heap.Pop(queue).(*bnbNode)
		stats.nodes++
		if stats.nodes > maxNodes {
			return nil, 0, errNodeLimit
		}

		// Bound: this subtree cannot beat the incumbent.
		if node.bound >= incumbentObj-1e-12 {
			continue
		}

		if integral(node.x, model.binaries) {
			if node.bound < incumbentObj {
				incumbentObj = node.bound
				incumbent = node.x
			}
			continue
		}

		branchVar := pickBranchVar(node.x, model.binaries)

		for _, v := range []int{0, 1} {
			childFix := append(append([]fixing(nil), node.fixings...), fixing{varIdx: branchVar, value: v})
			bound, x, err := solveNode(childFix)
			if err == errInfeasibleLP {
				continue
			}
			if err != nil {
				return nil, 0, err
			}
			if bound >= incumbentObj-1e-12 {
				continue
			}
			if integral(x, model.binaries) {
				if bound < incumbentObj {
					incumbentObj = bound
					incumbent = x
				}
				continue
			}
			order++
			heap.Push(queue, &bnbNode{fixings: childFix, bound: bound, x: x, order: order})
		}
	}

	if incumbent == nil {
		return nil, 0, errInfeasibleLP
	}

	stats.gap = relativeGap(rootBound, incumbentObj)
	return incumbent, incumbentObj, nil
}

// pickBranchVar chooses the most fractional binary; lowest index wins ties,
// which keeps the tree reproducible.
func pickBranchVar(x []float64, binaries []int) int {
	best := binaries[0]
	bestDist := math.Inf(1)
	for _, idx := range binaries {
		frac := x[idx] - math.Floor(x[idx])
		dist := math.Abs(frac - 0.5)
		if frac > IntTol && frac < 1-IntTol && dist < bestDist {
			best = idx
			bestDist = dist
		}
	}
	return best
}

func integral(x []float64, binaries []int) bool {
	for _, idx := range binaries {
		frac := x[idx] - math.Floor(x[idx])
		if frac > IntTol && frac < 1-IntTol {
			return false
		}
	}
	return true
}

func relativeGap(rootBound, incumbent float64) float64 {
	denom := math.Abs(incumbent)
	if denom < 1e-12 {
		denom = 1
	}
	gap := (incumbent - rootBound) / denom
	if gap < 0 {
		gap = 0
	}
	return gap
}
