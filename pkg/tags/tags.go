// Package tags builds the tag sets that mark cloud resources as belonging to
// one deployment.
//
// Every taggable resource carries three kinds of tags:
//
//   - ownership: "{serviceBaseName}-tag" = serviceBaseName
//   - correlation: CorrelationKey = "{serviceBaseName}:{resourceName}"
//   - operator tags: billing and free-form tags from configuration
//
// The ownership tag scopes teardown; ownership plus correlation identifies a
// single resource for existence checks.
package tags

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// DefaultCorrelationKey is the tag key holding "{serviceBaseName}:{resourceName}".
const DefaultCorrelationKey = "Name"

// ManagedByKey marks resources created by this tool.
const ManagedByKey = "managed-by"

// ManagedByValue is the value of ManagedByKey.
const ManagedByValue = "cloudsaga"

var baseNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{1,40}$`)

// Scheme produces tags for one deployment.
type Scheme struct {
	baseName       string
	correlationKey string
	billing        map[string]string
	extra          map[string]string
}

// Option configures a Scheme.
type Option func(*Scheme)

// WithCorrelationKey overrides the correlation tag key.
func WithCorrelationKey(key string) Option {
	return func(s *Scheme) {
		if key != "" {
			s.correlationKey = key
		}
	}
}

// WithBillingTags adds billing tags to every resource.
func WithBillingTags(t map[string]string) Option {
	return func(s *Scheme) { s.billing = copyMap(t) }
}

// WithAdditionalTags adds free-form tags to every resource.
func WithAdditionalTags(t map[string]string) Option {
	return func(s *Scheme) { s.extra = copyMap(t) }
}

// NewScheme validates the service base name and operator tags.
func NewScheme(serviceBaseName string, opts ...Option) (*Scheme, error) {
	if !baseNamePattern.MatchString(serviceBaseName) {
		return nil, fmt.Errorf("invalid service base name %q: must match %s", serviceBaseName, baseNamePattern)
	}
	s := &Scheme{baseName: serviceBaseName, correlationKey: DefaultCorrelationKey}
	for _, opt := range opts {
		opt(s)
	}

	for _, set := range []map[string]string{s.billing, s.extra} {
		for k := range set {
			if s.reserved(k) {
				return nil, fmt.Errorf("tag key %q is reserved", k)
			}
			if strings.TrimSpace(k) == "" {
				return nil, fmt.Errorf("tag key must not be empty")
			}
		}
	}
	return s, nil
}

// ServiceBaseName returns the deployment name.
func (s *Scheme) ServiceBaseName() string { return s.baseName }

// OwnershipKey returns "{serviceBaseName}-tag".
func (s *Scheme) OwnershipKey() string { return s.baseName + "-tag" }

// CorrelationKey returns the correlation tag key.
func (s *Scheme) CorrelationKey() string { return s.correlationKey }

// CorrelationValue returns "{serviceBaseName}:{resourceName}".
func (s *Scheme) CorrelationValue(resourceName string) string {
	return s.baseName + ":" + resourceName
}

// Ownership returns the tag set shared by every resource of the deployment.
func (s *Scheme) Ownership() engine.Tags {
	return engine.Tags{s.OwnershipKey(): s.baseName}
}

// Selector returns the tags that identify one resource.
func (s *Scheme) Selector(resourceName string) engine.Tags {
	return engine.Tags{
		s.OwnershipKey(): s.baseName,
		s.correlationKey: s.CorrelationValue(resourceName),
	}
}

// ForResource returns the full tag set for one resource. Operator tags never
// override the ownership or correlation tags.
func (s *Scheme) ForResource(resourceName string) engine.Tags {
	out := engine.Tags{ManagedByKey: ManagedByValue}
	for k, v := range s.billing {
		out[k] = v
	}
	for k, v := range s.extra {
		out[k] = v
	}
	for k, v := range s.Selector(resourceName) {
		out[k] = v
	}
	return out
}

// ResourceName extracts the logical resource name from a correlation value of
// this deployment.
func (s *Scheme) ResourceName(t engine.Tags) (string, bool) {
	v, ok := t[s.correlationKey]
	if !ok || t[s.OwnershipKey()] != s.baseName {
		return "", false
	}
	prefix := s.baseName + ":"
	if !strings.HasPrefix(v, prefix) {
		return "", false
	}
	return strings.TrimPrefix(v, prefix), true
}

// DeterministicName returns "{serviceBaseName}-{resourceName}", used where the
// cloud has no tags and the name itself carries ownership.
func (s *Scheme) DeterministicName(resourceName string) string {
	return s.baseName + "-" + resourceName
}

func (s *Scheme) reserved(key string) bool {
	return key == s.OwnershipKey() || key == s.correlationKey
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// recordResourcePrefix is the resource name prefix of the instances that get
// DNS records.
const recordResourcePrefix = "instance-"

// RecordName returns the DNS name published for an instance of the
// deployment, "{serviceBaseName}-{resourceName}.{zone}" without a trailing dot.
func RecordName(serviceBaseName, resourceName, zone string) string {
	return serviceBaseName + "-" + resourceName + "." + strings.TrimSuffix(zone, ".")
}

// OwnsRecord reports whether name is a DNS record published by the deployment
// in zone, i.e. exactly "{serviceBaseName}-instance-{n}.{zone}" with or without
// a trailing dot. Another deployment whose name merely starts with
// serviceBaseName never matches.
func OwnsRecord(serviceBaseName, zone, name string) bool {
	zone = strings.ToLower(strings.TrimSuffix(zone, "."))
	if serviceBaseName == "" || zone == "" {
		return false
	}
	name = strings.ToLower(strings.TrimSuffix(name, "."))

	host, ok := strings.CutSuffix(name, "."+zone)
	if !ok {
		return false
	}
	n, ok := strings.CutPrefix(host, serviceBaseName+"-"+recordResourcePrefix)
	if !ok || n == "" {
		return false
	}
	for _, c := range n {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
