package engine

import (
	"context"
	"testing"
)

type countingObserver struct {
	NopObserver
	ambiguous int
}

func (o *countingObserver) AmbiguousMatch(Kind) { o.ambiguous++ }

func TestExistenceOracle_Exists(t *testing.T) {
	cloud := newFakeCloud()
	first := cloud.seed(KindVPC, selectorFor("vpc"))
	cloud.seed(KindVPC, selectorFor("vpc"))
	cloud.seed(KindSubnet, selectorFor("subnet"))

	tests := []struct {
		name      string
		policy    AmbiguityPolicy
		query     Query
		wantID    string
		wantFound bool
		wantCode  string
	}{
		{
			name:      "no match",
			policy:    AmbiguityFirstMatch,
			query:     Query{Kind: KindSecurityGroup, Tags: selectorFor("sg")},
			wantFound: false,
		},
		{
			name:      "single match",
			policy:    AmbiguityFirstMatch,
			query:     Query{Kind: KindSubnet, Tags: selectorFor("subnet")},
			wantID:    "subnet-3",
			wantFound: true,
		},
		{
			name:      "ambiguous picks first in provider order",
			policy:    AmbiguityFirstMatch,
			query:     Query{Kind: KindVPC, Name: "vpc", Tags: selectorFor("vpc")},
			wantID:    first,
			wantFound: true,
		},
		{
			name:     "ambiguous is an error in strict mode",
			policy:   AmbiguityError,
			query:    Query{Kind: KindVPC, Name: "vpc", Tags: selectorFor("vpc")},
			wantCode: ErrCodeAmbiguous,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &countingObserver{}
			oracle := NewExistenceOracle(cloud, WithAmbiguityPolicy(tt.policy), WithOracleObserver(obs))

			id, found, err := oracle.Exists(context.Background(), tt.query)
			if tt.wantCode != "" {
				if ErrorCode(err) != tt.wantCode {
					t.Fatalf("Expected code %s, got %v", tt.wantCode, err)
				}
				if obs.ambiguous != 1 {
					t.Errorf("Expected ambiguity to be observed once, got %d", obs.ambiguous)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if found != tt.wantFound {
				t.Errorf("Expected found=%v, got %v", tt.wantFound, found)
			}
			if id != tt.wantID {
				t.Errorf("Expected id %q, got %q", tt.wantID, id)
			}
		})
	}
}

func TestAmbiguityPolicy_Validate(t *testing.T) {
	if err := AmbiguityFirstMatch.Validate(); err != nil {
		t.Errorf("Expected first to be valid, got %v", err)
	}
	if err := AmbiguityPolicy("random").Validate(); err == nil {
		t.Error("Expected invalid policy error")
	}
}
