package scheduler

import (
	"fmt"
	"strings"

	"github.com/msageha/taskexec/internal/model"
)

// ValidateDependencies checks that every dependency names a known task and
// that the dependency graph is acyclic. It returns a topological order.
func ValidateDependencies(phases []model.Phase) ([]string, error) {
	var names []string
	known := make(map[string]bool)
	deps := make(map[string][]string)
	for _, p := range phases {
		for _, t := range p.Tasks {
			names = append(names, t.ID)
			known[t.ID] = true
			if len(t.Dependencies) > 0 {
				deps[t.ID] = t.Dependencies
			}
		}
	}

	var problems []string
	for _, name := range names {
		for _, dep := range deps[name] {
			switch {
			case dep == name:
				problems = append(problems, fmt.Sprintf("%s depends on itself", name))
			case !known[dep]:
				problems = append(problems, fmt.Sprintf("%s depends on unknown task %s", name, dep))
			}
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrParse, strings.Join(problems, "; "))
	}

	sorted, err := topoSort(names, deps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrParse, err)
	}
	return sorted, nil
}

// topoSort runs Kahn's algorithm; on a cycle it reports one cycle path found by DFS.
func topoSort(nodes []string, edges map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	forward := make(map[string][]string)
	for _, n := range nodes {
		inDegree[n] = 0
	}
	for _, n := range nodes {
		for _, dep := range edges[n] {
			inDegree[n]++
			forward[dep] = append(forward[dep], n)
		}
	}

	var queue []string
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	sorted := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		sorted = append(sorted, n)
		for _, dependent := range forward[n] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if len(sorted) == len(nodes) {
		return sorted, nil
	}
	return nil, fmt.Errorf("circular dependency: %s", strings.Join(findCycle(nodes, edges, inDegree), " -> "))
}

func findCycle(nodes []string, edges map[string][]string, inDegree map[string]int) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	parent := make(map[string]string)
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		for _, dep := range edges[n] {
			switch color[dep] {
			case gray:
				cycle = []string{dep}
				for cur := n; cur != dep; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, dep)
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return true
			case white:
				parent[dep] = n
				if visit(dep) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}

	for _, n := range nodes {
		if inDegree[n] > 0 && color[n] == white && visit(n) {
			return cycle
		}
	}
	return []string{"(cycle)"}
}
