package mapping

import (
	"sort"
)

// topoSort returns node indices so that every node follows its dependencies.
//
// depsFn(i) yields indices that must come before i. When several nodes are
// ready the smallest index wins, so the order is deterministic for a given
// input order. The second result lists the nodes left on a cycle.
func topoSort(n int, depsFn func(i int) []int) ([]int, []int) {
	if n <= 0 {
		return nil, nil
	}

	indeg := make([]int, n)
	out := make([][]int, n)

	for i := range n {
		for _, d := range depsFn(i) {
			indeg[i]++
			out[d] = append(out[d], i)
		}
	}

	for i := range out {
		sort.Ints(out[i])
	}

	var ready []int
	for i := range n {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]int, 0, n)
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]

		order = append(order, i)
		for _, j := range out[i] {
			indeg[j]--
			if indeg[j] == 0 {
				k := sort.SearchInts(ready, j)
				ready = append(ready, 0)
				copy(ready[k+1:], ready[k:])
				ready[k] = j
			}
		}
	}

	if len(order) == n {
		return order, nil
	}

	var cyclic []int
	for i := range n {
		if indeg[i] > 0 {
			cyclic = append(cyclic, i)
		}
	}
	return nil, cyclic
}
