package tracker

import (
	"math"
	"sort"
)

// maxHungarianCells bounds the cost-matrix size for the exact solver; above
// it the greedy fallback is used. In practice a frame carries a few dozen
// vehicles at most, so the exact solver is the common path.
const maxHungarianCells = 64 * 64

// solveAssignment assigns rows to columns minimizing total cost.
// Returns rowMatch where rowMatch[i] is the assigned column or -1.
func solveAssignment(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	m := len(cost[0])
	if m == 0 {
		unmatched := make([]int, n)
		for i := range unmatched {
			unmatched[i] = -1
		}
		return unmatched
	}
	if n*m > maxHungarianCells {
		return greedyAssign(cost)
	}
	return hungarian(cost)
}

// hungarian is the O(n^3) shortest augmenting path formulation with row and
// column potentials. Requires rows <= cols; transposes internally otherwise.
func hungarian(cost [][]float64) []int {
	n := len(cost)
	m := len(cost[0])

	if n > m {
		t := make([][]float64, m)
		for j := 0; j < m; j++ {
			t[j] = make([]float64, n)
			for i := 0; i < n; i++ {
				t[j][i] = cost[i][j]
			}
		}
		colMatch := hungarian(t)
		rowMatch := make([]int, n)
		for i := range rowMatch {
			rowMatch[i] = -1
		}
		for j, i := range colMatch {
			if i >= 0 {
				rowMatch[i] = j
			}
		}
		return rowMatch
	}

	u := make([]float64, n+1)
	v := make([]float64, m+1)
	p := make([]int, m+1)
	way := make([]int, m+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, m+1)
		used := make([]bool, m+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
			j1 := -1
			for j := 1; j <= m; j++ {
				if used[j] {
					continue
				}
				cur := cost[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= m; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}
		for j0 != 0 {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	rowMatch := make([]int, n)
	for i := range rowMatch {
		rowMatch[i] = -1
	}
	for j := 1; j <= m; j++ {
		if p[j] > 0 {
			rowMatch[p[j]-1] = j - 1
		}
	}
	return rowMatch
}

// greedyAssign picks pairs in ascending cost order, skipping rows and
// columns already taken. Not optimal but stable and fast for large frames.
func greedyAssign(cost [][]float64) []int {
	n := len(cost)
	m := len(cost[0])

	type cell struct {
		i, j int
		c    float64
	}
	cells := make([]cell, 0, n*m)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			cells = append(cells, cell{i, j, cost[i][j]})
		}
	}
	sort.Slice(cells, func(a, b int) bool { return cells[a].c < cells[b].c })

	rowMatch := make([]int, n)
	for i := range rowMatch {
		rowMatch[i] = -1
	}
	colTaken := make([]bool, m)
	for _, c := range cells {
		if rowMatch[c.i] >= 0 || colTaken[c.j] {
			continue
		}
		rowMatch[c.i] = c.j
		colTaken[c.j] = true
	}
	return rowMatch
}
