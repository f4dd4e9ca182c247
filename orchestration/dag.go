package orchestration

import (
	"fmt"
	"strings"

	"github.com/itsneelabh/opsquery/tool"
)

// requestDAG is the dependency graph of a plan's tool requests. Node order
// follows the plan so levels come out deterministic.
type requestDAG struct {
	ids   []string
	index map[string]int
	deps  [][]int
}

// buildRequestDAG rejects unknown, self and cyclic dependencies
func buildRequestDAG(requests []tool.Request) (*requestDAG, error) {
	d := &requestDAG{
		ids:   make([]string, len(requests)),
		index: make(map[string]int, len(requests)),
		deps:  make([][]int, len(requests)),
	}
	for i, r := range requests {
		d.ids[i] = r.ID
		d.index[r.ID] = i
	}

	for i, r := range requests {
		for param, ref := range r.InputFrom {
			if _, _, err := tool.SplitInputRef(ref); err != nil {
				return nil, fmt.Errorf("request %s parameter %s: %w", r.ID, param, err)
			}
		}
		for _, dep := range r.Dependencies() {
			j, ok := d.index[dep]
			if !ok {
				return nil, fmt.Errorf("request %s depends on unknown request %s", r.ID, dep)
			}
			if j == i {
				return nil, fmt.Errorf("request %s depends on itself", r.ID)
			}
			d.deps[i] = append(d.deps[i], j)
		}
	}

	if cycle := d.findCycle(); cycle != nil {
		return nil, fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return d, nil
}

// findCycle runs a DFS with a recursion stack and returns the first cycle found
func (d *requestDAG) findCycle() []string {
	const (
		unvisited = iota
		inStack
		done
	)
	state := make([]int, len(d.ids))
	var stack []int

	var visit func(n int) []string
	visit = func(n int) []string {
		state[n] = inStack
		stack = append(stack, n)
		for _, dep := range d.deps[n] {
			switch state[dep] {
			case inStack:
				var cycle []string
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append([]string{d.ids[stack[i]]}, cycle...)
					if stack[i] == dep {
						break
					}
				}
				return append(cycle, d.ids[dep])
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}

	for n := range d.ids {
		if state[n] == unvisited {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// levels groups request indexes so every request runs after all of its
// dependencies. Within a level, plan order is kept.
func (d *requestDAG) levels() [][]int {
	processed := make([]bool, len(d.ids))
	var levels [][]int
	remaining := len(d.ids)

	for remaining > 0 {
		var level []int
		for n := range d.ids {
			if processed[n] {
				continue
			}
			ready := true
			for _, dep := range d.deps[n] {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, n)
			}
		}
		if len(level) == 0 {
			// unreachable for a graph that passed findCycle
			break
		}
		for _, n := range level {
			processed[n] = true
		}
		remaining -= len(level)
		levels = append(levels, level)
	}
	return levels
}

// depth is the number of levels, the longest dependency chain
func (d *requestDAG) depth() int {
	return len(d.levels())
}
