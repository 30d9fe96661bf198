package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds the CUE definitions configuration documents are
// unified with before decoding.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in deployment schema.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("deployment", "#Deployment", builtinDeploymentSchema); err != nil {
		panic(fmt.Sprintf("built-in deployment schema: %v", err))
	}
	return sr
}

// RegisterSchema compiles source and stores the definition found at path
// under name.
func (sr *SchemaRegistry) RegisterSchema(name, path, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, path)
	}
	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinDeploymentSchema constrains the shape of a deployment document.
// Network containment and cloud-specific requirements are checked after
// decoding by Deployment.Validate.
const builtinDeploymentSchema = `
#CIDR: =~"^[0-9]{1,3}(\\.[0-9]{1,3}){3}/[0-9]{1,2}$"

#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"

#Deployment: {
	service_base_name: string & =~"^[a-z0-9]([a-z0-9-]*[a-z0-9])?$"
	cloud?:            "aws" | "azure" | "memory"
	region?:           string

	vpc_cidr?:           #CIDR
	subnet_cidrs?:       [...#CIDR]
	availability_zones?: [...string]
	allowed_ip_cidrs?:   [...string]
	ingress_ports?:      [...int & >=1 & <=65535]

	instance_count?: int & >=1 & <=16
	instance_size?:  string
	image?:          string
	key_name?:       string
	user_data?:      string

	efs?:        bool
	elastic_ip?: bool
	dns_zone?:   string
	dns_ttl?:    int & >=30

	correlation_key?: string
	billing_tags?:    {[string]: string}
	additional_tags?: {[string]: string}

	existence?: ambiguity?: "first" | "error"
	retry?: {
		max_attempts?:     int & >=1
		initial_interval?: #Duration
		max_interval?:     #Duration
		max_elapsed?:      #Duration
	}
	rollback_timeout?: #Duration
	wait_timeout?:     #Duration
	error_file?:       string
	state_db?:         string
	journal?:          bool

	lock?: {
		backend?:  "sqlite" | "dynamodb" | "memory" | "none"
		ttl?:      #Duration
		dynamodb?: {...}
	}
	policy?: {...}
	ssh?: {...}
	aws?: {...}
	azure?: {...}
	memory?: {
		fail_create?: [...string]
		fail_delete?: [...string]
	}
	telemetry?: {...}
}
`
