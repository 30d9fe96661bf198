package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// AmbiguityPolicy decides what the oracle does when a lookup matches more than
// one resource.
type AmbiguityPolicy string

const (
	// AmbiguityFirstMatch adopts the first match in provider order and logs a warning.
	AmbiguityFirstMatch AmbiguityPolicy = "first"

	// AmbiguityError fails the lookup with AMBIGUOUS_MATCH.
	AmbiguityError AmbiguityPolicy = "error"
)

// Validate checks if the policy is valid.
func (p AmbiguityPolicy) Validate() error {
	switch p {
	case AmbiguityFirstMatch, AmbiguityError:
		return nil
	default:
		return fmt.Errorf("invalid ambiguity policy: %s", p)
	}
}

// ExistenceOracle answers "is there already a resource for this stage".
type ExistenceOracle struct {
	provider ResourceProvider
	policy   AmbiguityPolicy
	logger   zerolog.Logger
	observer Observer
}

// OracleOption configures an ExistenceOracle.
type OracleOption func(*ExistenceOracle)

// WithAmbiguityPolicy sets the tie-break policy.
func WithAmbiguityPolicy(p AmbiguityPolicy) OracleOption {
	return func(o *ExistenceOracle) {
		if p != "" {
			o.policy = p
		}
	}
}

// WithOracleLogger sets the logger.
func WithOracleLogger(l zerolog.Logger) OracleOption {
	return func(o *ExistenceOracle) { o.logger = l }
}

// WithOracleObserver reports ambiguous lookups to an observer.
func WithOracleObserver(obs Observer) OracleOption {
	return func(o *ExistenceOracle) { o.observer = obs }
}

// NewExistenceOracle creates an oracle backed by the provider's List call.
func NewExistenceOracle(p ResourceProvider, opts ...OracleOption) *ExistenceOracle {
	o := &ExistenceOracle{
		provider: p,
		policy:   AmbiguityFirstMatch,
		logger:   zerolog.Nop(),
		observer: NopObserver{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Exists returns the id of the matching resource.
func (o *ExistenceOracle) Exists(ctx context.Context, q Query) (string, bool, error) {
	ids, err := o.provider.List(ctx, q)
	if err != nil {
		return "", false, err
	}

	switch len(ids) {
	case 0:
		return "", false, nil
	case 1:
		return ids[0], true, nil
	}

	o.observer.AmbiguousMatch(q.Kind)
	if o.policy == AmbiguityError {
		return "", false, NewPermanentError(
			fmt.Sprintf("%d %s resources match", len(ids), q.Kind), nil,
		).WithCode(ErrCodeAmbiguous).WithResource(q.Name).WithOperation("exists")
	}

	o.logger.Warn().
		Str("stage", q.Name).
		Str("kind", string(q.Kind)).
		Str("chosen", ids[0]).
		Str("matches", strings.Join(ids, ",")).
		Msg("Multiple resources match, adopting the first")
	return ids[0], true, nil
}
