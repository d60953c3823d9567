package l6tracking

import "math"

// forbidden marks a cost entry the solver must never choose.
const forbidden = 1e18

// Assign solves the rectangular minimum-cost assignment for an n×m cost
// matrix with the Kuhn–Munkres algorithm (shortest augmenting paths with
// row and column potentials). It returns match[i] = column assigned to row
// i, or -1 when row i is left unmatched or only forbidden columns remain.
// Entries that are NaN, infinite or >= forbidden are never matched.
func Assign(cost [][]float64) []int {
	rows := len(cost)
	if rows == 0 {
		return nil
	}
	cols := len(cost[0])
	match := make([]int, rows)
	for i := range match {
		match[i] = -1
	}
	if cols == 0 {
		return match
	}

	allowed := func(i, j int) bool {
		c := cost[i][j]
		return !math.IsNaN(c) && !math.IsInf(c, 0) && c < forbidden
	}
	// Disallowed pairs cost more than any assignment made of allowed pairs
	// alone, so they are only taken when nothing else is left. The square
	// padding costs nothing and stands for "unmatched".
	var total float64
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if allowed(i, j) {
				total += math.Abs(cost[i][j])
			}
		}
	}
	penalty := 2*total + 1

	n := max(rows, cols)
	at := func(i, j int) float64 {
		if i >= rows || j >= cols {
			return 0
		}
		if !allowed(i, j) {
			return penalty
		}
		return cost[i][j]
	}

	const huge = math.MaxFloat64 / 2
	rowPot := make([]float64, n+1)
	colPot := make([]float64, n+1)
	owner := make([]int, n+1) // owner[j]: 1-based row holding column j
	prev := make([]int, n+1)
	slack := make([]float64, n+1)
	seen := make([]bool, n+1)

	for r := 1; r <= n; r++ {
		owner[0] = r
		col := 0
		for j := range slack {
			slack[j] = huge
			seen[j] = false
		}
		for {
			seen[col] = true
			row := owner[col]
			delta, next := huge, -1
			for j := 1; j <= n; j++ {
				if seen[j] {
					continue
				}
				if red := at(row-1, j-1) - rowPot[row] - colPot[j]; red < slack[j] {
					slack[j] = red
					prev[j] = col
				}
				if slack[j] < delta {
					delta, next = slack[j], j
				}
			}
			if next < 0 {
				break
			}
			for j := 0; j <= n; j++ {
				if seen[j] {
					rowPot[owner[j]] += delta
					colPot[j] -= delta
				} else {
					slack[j] -= delta
				}
			}
			col = next
			if owner[col] == 0 {
				break
			}
		}
		for col != 0 {
			owner[col] = owner[prev[col]]
			col = prev[col]
		}
	}

	for j := 1; j <= n; j++ {
		i := owner[j] - 1
		if i < 0 || i >= rows || j-1 >= cols {
			continue
		}
		if allowed(i, j-1) {
			match[i] = j - 1
		}
	}
	return match
}
