// Package stage turns goals into approved patches: dependency-ordered task
// execution, near-duplicate entity resolution, and validation. Stages never
// touch the target resource directly; they only read snapshots.
package stage

import (
	"fmt"
	"strings"

	"github.com/mkondo/graphflow/internal/model"
)

// OrderTasks returns goal tasks sorted so every task runs after the tasks it
// is blocked by. Returns an error naming the cycle path if the dependency
// graph is not a DAG, or naming the first unknown reference.
func OrderTasks(tasks []model.Task) ([]model.Task, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	byID := make(map[string]model.Task, len(tasks))
	names := make([]string, 0, len(tasks))
	edges := make(map[string][]string, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
		names = append(names, task.ID)
		edges[task.ID] = task.BlockedBy
	}

	for _, task := range tasks {
		for _, dep := range task.BlockedBy {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("task %s blocked by unknown task %s", task.ID, dep)
			}
		}
	}

	sorted, err := topoSort(names, edges)
	if err != nil {
		return nil, err
	}

	out := make([]model.Task, 0, len(sorted))
	for _, id := range sorted {
		out = append(out, byID[id])
	}
	return out, nil
}

// topoSort uses Kahn's algorithm. On cycle detection, uses DFS to find and
// report the cycle path.
func topoSort(nodeNames []string, edges map[string][]string) ([]string, error) {
	nodeSet := make(map[string]bool, len(nodeNames))
	for _, n := range nodeNames {
		nodeSet[n] = true
	}

	// Build in-degree map and forward adjacency (dependency → dependent)
	inDegree := make(map[string]int, len(nodeNames))
	forward := make(map[string][]string)
	for _, n := range nodeNames {
		inDegree[n] = 0
	}

	for node, deps := range edges {
		for _, dep := range deps {
			if !nodeSet[dep] {
				continue // unknown refs are caught by the caller
			}
			inDegree[node]++
			forward[dep] = append(forward[dep], node)
		}
	}

	var queue []string
	for _, n := range nodeNames {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(nodeNames) {
		return sorted, nil
	}

	cyclePath := findCyclePath(nodeNames, edges)
	return nil, fmt.Errorf("circular dependency detected: %s", strings.Join(cyclePath, " -> "))
}

// findCyclePath finds a cycle path among the remaining nodes via DFS.
func findCyclePath(nodeNames []string, edges map[string][]string) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // in current path
		black = 2 // finished
	)

	color := make(map[string]int)
	parent := make(map[string]string)

	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if color[dep] == gray {
				// Found cycle: reconstruct path
				cyclePath = []string{dep}
				current := node
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, n := range nodeNames {
		if color[n] == white {
			if dfs(n) {
				break
			}
		}
	}
	return cyclePath
}
