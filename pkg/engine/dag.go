package engine

import (
	"fmt"
	"strings"
)

// DAGBuilder orders plan stages. The order is a stable topological sort:
// among stages whose dependencies are all placed, the one declared first wins.
type DAGBuilder struct {
	// names holds stage names in declaration order
	names []string

	// index maps a stage name to its declaration position
	index map[string]int

	// kinds maps a stage name to its resource kind
	kinds map[string]Kind

	// dependents maps a stage to the stages that depend on it
	dependents map[string][]string

	// dependencies maps a stage to the stages it depends on
	dependencies map[string][]string

	order  []string
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		index:        make(map[string]int),
		kinds:        make(map[string]Kind),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
	}
}

// Build validates the stages and computes the execution order.
func (b *DAGBuilder) Build(stages []Stage) ([]string, error) {
	if err := b.initialize(stages); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	b.computeOrder()
	b.computeLevels()
	return b.order, nil
}

func (b *DAGBuilder) initialize(stages []Stage) error {
	for i, s := range stages {
		if s.Name == "" {
			return NewPlanError(fmt.Sprintf("stage %d has an empty name", i), nil)
		}
		if _, exists := b.index[s.Name]; exists {
			return NewPlanError(fmt.Sprintf("duplicate stage name: %s", s.Name), nil).WithResource(s.Name)
		}
		b.index[s.Name] = i
		b.kinds[s.Name] = s.Kind
		b.names = append(b.names, s.Name)
	}

	for _, s := range stages {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if _, exists := b.index[dep]; !exists {
				return NewPlanError(
					fmt.Sprintf("stage %s depends on unknown stage %s", s.Name, dep), nil,
				).WithResource(s.Name)
			}
			if dep == s.Name {
				return NewPlanError(fmt.Sprintf("stage %s depends on itself", s.Name), nil).WithResource(s.Name)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			b.dependents[dep] = append(b.dependents[dep], s.Name)
			b.dependencies[s.Name] = append(b.dependencies[s.Name], dep)
		}
	}
	return nil
}

// detectCycles runs a depth-first search in declaration order so the reported
// cycle is deterministic.
func (b *DAGBuilder) detectCycles() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(b.names))
	var path []string

	var visit func(string) []string
	visit = func(n string) []string {
		color[n] = grey
		path = append(path, n)
		for _, next := range b.dependents[n] {
			switch color[next] {
			case grey:
				for i, p := range path {
					if p == next {
						return append(append([]string(nil), path[i:]...), next)
					}
				}
			case white:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil
	}

	for _, n := range b.names {
		if color[n] != white {
			continue
		}
		if cycle := visit(n); cycle != nil {
			return NewPlanError(fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil)
		}
	}
	return nil
}

// computeOrder is Kahn's algorithm where the ready set is scanned in
// declaration order.
func (b *DAGBuilder) computeOrder() {
	inDegree := make(map[string]int, len(b.names))
	for _, n := range b.names {
		inDegree[n] = len(b.dependencies[n])
	}
	placed := make(map[string]bool, len(b.names))
	b.order = make([]string, 0, len(b.names))

	for len(b.order) < len(b.names) {
		for _, n := range b.names {
			if placed[n] || inDegree[n] != 0 {
				continue
			}
			placed[n] = true
			b.order = append(b.order, n)
			for _, d := range b.dependents[n] {
				inDegree[d]--
			}
			break
		}
	}
}

// computeLevels groups stages by longest dependency chain. Used for rendering only;
// execution is sequential.
func (b *DAGBuilder) computeLevels() {
	level := make(map[string]int, len(b.order))
	depth := 0
	for _, n := range b.order {
		l := 0
		for _, dep := range b.dependencies[n] {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[n] = l
		if l+1 > depth {
			depth = l + 1
		}
	}
	b.levels = make([][]string, depth)
	for _, n := range b.order {
		b.levels[level[n]] = append(b.levels[level[n]], n)
	}
}

// Order returns the computed execution order.
func (b *DAGBuilder) Order() []string {
	return b.order
}

// GetLevels returns stages grouped by dependency depth.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// Dependencies returns the de-duplicated dependencies of a stage.
func (b *DAGBuilder) Dependencies(stage string) []string {
	return b.dependencies[stage]
}

// ToDOT renders the stage graph in Graphviz DOT format.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ProvisioningPlan {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=\"filled,rounded\"];\n\n")

	for level, names := range b.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, n := range names {
			fmt.Fprintf(&sb, "    %q [label=\"%s\\n%s\", fillcolor=%q];\n",
				n, n, b.kinds[n], kindColor(b.kinds[n]))
		}
		sb.WriteString("  }\n\n")
	}

	for _, n := range b.order {
		for _, dep := range b.dependencies[n] {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, n)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func kindColor(k Kind) string {
	switch k {
	case KindVPC, KindSubnet, KindSecurityGroup:
		return "lightblue"
	case KindInstance:
		return "lightgreen"
	case KindEFS:
		return "khaki"
	case KindElasticIP, KindDNSRecord:
		return "plum"
	default:
		return "white"
	}
}
