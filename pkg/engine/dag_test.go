package engine

import (
	"context"
	"strings"
	"testing"
)

func noopStage(name string, kind Kind, deps ...string) Stage {
	return Stage{
		Name:      name,
		Kind:      kind,
		DependsOn: deps,
		Exists: func(context.Context, Deps) (string, bool, error) {
			return "", false, nil
		},
		Create: func(context.Context, Deps) (string, error) {
			return name + "-id", nil
		},
		Delete: func(context.Context, string) error { return nil },
	}
}

func TestDAGBuilder_Build_Empty(t *testing.T) {
	order, err := NewDAGBuilder().Build(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty stages, got: %v", err)
	}
	if len(order) != 0 {
		t.Errorf("Expected empty order, got %v", order)
	}
}

func TestDAGBuilder_Build_StableOrder(t *testing.T) {
	tests := []struct {
		name   string
		stages []Stage
		want   []string
	}{
		{
			name: "independent stages keep declaration order",
			stages: []Stage{
				noopStage("c", KindVPC),
				noopStage("a", KindVPC),
				noopStage("b", KindVPC),
			},
			want: []string{"c", "a", "b"},
		},
		{
			name: "linear chain",
			stages: []Stage{
				noopStage("vpc", KindVPC),
				noopStage("subnet", KindSubnet, "vpc"),
				noopStage("instance", KindInstance, "subnet"),
			},
			want: []string{"vpc", "subnet", "instance"},
		},
		{
			name: "dependents declared first",
			stages: []Stage{
				noopStage("instance", KindInstance, "subnet", "sg"),
				noopStage("sg", KindSecurityGroup, "vpc"),
				noopStage("subnet", KindSubnet, "vpc"),
				noopStage("vpc", KindVPC),
			},
			want: []string{"vpc", "sg", "subnet", "instance"},
		},
		{
			name: "diamond",
			stages: []Stage{
				noopStage("vpc", KindVPC),
				noopStage("subnet", KindSubnet, "vpc"),
				noopStage("sg", KindSecurityGroup, "vpc"),
				noopStage("efs", KindEFS, "subnet", "sg"),
			},
			want: []string{"vpc", "subnet", "sg", "efs"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := NewDAGBuilder().Build(tt.stages)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if !equalStrings(order, tt.want) {
				t.Errorf("Expected order %v, got %v", tt.want, order)
			}
		})
	}
}

func TestDAGBuilder_Build_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		stages  []Stage
		message string
	}{
		{
			name:    "empty name",
			stages:  []Stage{noopStage("", KindVPC)},
			message: "empty name",
		},
		{
			name:    "duplicate",
			stages:  []Stage{noopStage("vpc", KindVPC), noopStage("vpc", KindVPC)},
			message: "duplicate stage name",
		},
		{
			name:    "unknown dependency",
			stages:  []Stage{noopStage("subnet", KindSubnet, "vpc")},
			message: "unknown stage vpc",
		},
		{
			name:    "self dependency",
			stages:  []Stage{noopStage("vpc", KindVPC, "vpc")},
			message: "depends on itself",
		},
		{
			name: "cycle",
			stages: []Stage{
				noopStage("a", KindVPC, "c"),
				noopStage("b", KindSubnet, "a"),
				noopStage("c", KindInstance, "b"),
			},
			message: "circular dependency detected: a -> b -> c -> a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDAGBuilder().Build(tt.stages)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if ErrorCode(err) != ErrCodePlanInvalid {
				t.Errorf("Expected code %s, got %s", ErrCodePlanInvalid, ErrorCode(err))
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("Expected error containing %q, got %q", tt.message, err.Error())
			}
		})
	}
}

func TestDAGBuilder_Levels(t *testing.T) {
	b := NewDAGBuilder()
	_, err := b.Build([]Stage{
		noopStage("vpc", KindVPC),
		noopStage("subnet", KindSubnet, "vpc"),
		noopStage("sg", KindSecurityGroup, "vpc"),
		noopStage("instance", KindInstance, "subnet", "sg"),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	levels := b.GetLevels()
	if len(levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d", len(levels))
	}
	if len(levels[1]) != 2 {
		t.Errorf("Expected 2 stages at level 1, got %v", levels[1])
	}
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	b := NewDAGBuilder()
	if _, err := b.Build([]Stage{
		noopStage("vpc", KindVPC),
		noopStage("subnet", KindSubnet, "vpc"),
	}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := b.ToDOT()
	if !strings.Contains(dot, "digraph ProvisioningPlan") {
		t.Error("Expected DOT header")
	}
	if !strings.Contains(dot, `"vpc" -> "subnet"`) {
		t.Errorf("Expected vpc -> subnet edge, got:\n%s", dot)
	}
}

func TestPlanBuilder_Build_RequiresFunctions(t *testing.T) {
	s := noopStage("vpc", KindVPC)
	s.Delete = nil

	_, err := NewPlanBuilder().AddStage(s).Build()
	if err == nil {
		t.Fatal("Expected error for stage without delete")
	}
	if ErrorCode(err) != ErrCodePlanInvalid {
		t.Errorf("Expected code %s, got %s", ErrCodePlanInvalid, ErrorCode(err))
	}
}

func TestPlanBuilder_Build_CycleIsPlanError(t *testing.T) {
	_, err := NewPlanBuilder().
		AddStage(noopStage("a", KindVPC, "b")).
		AddStage(noopStage("b", KindSubnet, "a")).
		Build()
	if err == nil {
		t.Fatal("Expected cycle error")
	}
	if !IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
}
