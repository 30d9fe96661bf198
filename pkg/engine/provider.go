package engine

import (
	"context"
	"slices"
)

// ResourceProvider is the capability interface every cloud backend implements.
// Implementations return *EngineError values so the executor can classify
// failures; Delete must return a NOT_FOUND error for absent resources.
type ResourceProvider interface {
	// Name returns the provider name, e.g. "aws".
	Name() string

	// Kinds lists the resource kinds this provider can manage.
	Kinds() []Kind

	// Create provisions a resource and returns its cloud id.
	Create(ctx context.Context, in StageInput) (string, error)

	// List returns the ids of every resource matching the query, in provider order.
	List(ctx context.Context, q Query) ([]string, error)

	// Describe returns live attributes of a resource.
	Describe(ctx context.Context, kind Kind, id string) (Attributes, error)

	// Tag merges tags onto a resource. Untaggable kinds return nil.
	Tag(ctx context.Context, kind Kind, id string, tags Tags) error

	// Wait blocks until the resource reaches the condition.
	Wait(ctx context.Context, kind Kind, id string, cond Condition, opts WaitOptions) error

	// Delete removes a resource.
	Delete(ctx context.Context, kind Kind, id string) error
}

// StageInput carries everything a provider needs to create one resource.
type StageInput struct {
	// Name is the logical resource name, unique within the deployment.
	Name string

	Kind Kind

	// Tags are the full tag set; providers that support tag-on-create apply them directly.
	Tags Tags

	// Params are kind-specific settings such as "cidr", "image" or "instance_size".
	Params map[string]string

	Deps Deps
}

// Param returns a parameter or def when unset.
func (in StageInput) Param(key, def string) string {
	if v, ok := in.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Query describes a tag-scoped lookup.
type Query struct {
	Kind Kind

	// Name is the logical resource name. Untaggable kinds are matched by it.
	Name string

	// Tags must all be present on a match.
	Tags Tags

	// Params narrow the match by kind-specific discriminators such as "cidr".
	Params map[string]string

	// Deps scopes the lookup to parent resources, e.g. subnets of one VPC.
	Deps Deps
}

// SupportsKind reports whether the provider manages the kind.
func SupportsKind(p ResourceProvider, kind Kind) bool {
	return slices.Contains(p.Kinds(), kind)
}

// ProviderStage declares a stage backed by a ResourceProvider.
type ProviderStage struct {
	Name      string
	Kind      Kind
	DependsOn []string

	// Tags is the full tag set applied after create.
	Tags Tags

	// Selector is the tag subset that identifies this resource for existence checks.
	Selector Tags

	Params map[string]string

	// Wait, when set, makes the stage wait for ConditionAvailable after create.
	Wait *WaitOptions

	// Probe runs after the provider wait, for example an SSH reachability check.
	Probe func(ctx context.Context, attrs Attributes) error
}

// NewProviderStage turns a declaration into a plan stage that calls p and
// consults oracle for existence.
func NewProviderStage(p ResourceProvider, oracle *ExistenceOracle, spec ProviderStage) Stage {
	s := Stage{
		Name:      spec.Name,
		Kind:      spec.Kind,
		DependsOn: spec.DependsOn,
		Tags:      spec.Tags,
	}

	s.Exists = func(ctx context.Context, deps Deps) (string, bool, error) {
		return oracle.Exists(ctx, Query{
			Kind:   spec.Kind,
			Name:   spec.Name,
			Tags:   spec.Selector,
			Params: spec.Params,
			Deps:   deps,
		})
	}
	s.Create = func(ctx context.Context, deps Deps) (string, error) {
		return p.Create(ctx, StageInput{
			Name:   spec.Name,
			Kind:   spec.Kind,
			Tags:   spec.Tags,
			Params: spec.Params,
			Deps:   deps,
		})
	}
	s.Delete = func(ctx context.Context, id string) error {
		return p.Delete(ctx, spec.Kind, id)
	}
	if len(spec.Tags) > 0 {
		s.Tag = func(ctx context.Context, id string, tags Tags) error {
			return p.Tag(ctx, spec.Kind, id, tags)
		}
	}
	s.Describe = func(ctx context.Context, id string) (Attributes, error) {
		return p.Describe(ctx, spec.Kind, id)
	}
	if spec.Wait != nil || spec.Probe != nil {
		s.Ready = func(ctx context.Context, id string) error {
			if spec.Wait != nil {
				if err := p.Wait(ctx, spec.Kind, id, ConditionAvailable, *spec.Wait); err != nil {
					return err
				}
			}
			if spec.Probe == nil {
				return nil
			}
			attrs, err := p.Describe(ctx, spec.Kind, id)
			if err != nil {
				return err
			}
			return spec.Probe(ctx, attrs)
		}
	}
	return s
}
