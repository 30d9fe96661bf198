package aws

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	efstypes "github.com/aws/aws-sdk-go-v2/service/efs/types"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

func ec2Tags(t engine.Tags) []ec2types.Tag {
	out := make([]ec2types.Tag, 0, len(t))
	for _, k := range t.Keys() {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(t[k])})
	}
	return out
}

func efsTags(t engine.Tags) []efstypes.Tag {
	out := make([]efstypes.Tag, 0, len(t))
	for _, k := range t.Keys() {
		out = append(out, efstypes.Tag{Key: aws.String(k), Value: aws.String(t[k])})
	}
	return out
}

// tagSpec applies tags at creation so a resource is never untagged.
func tagSpec(rt ec2types.ResourceType, t engine.Tags) []ec2types.TagSpecification {
	if len(t) == 0 {
		return nil
	}
	return []ec2types.TagSpecification{{ResourceType: rt, Tags: ec2Tags(t)}}
}

// tagFilters turns a selector into "tag:key" filters. Extra filters are
// appended as given.
func tagFilters(t engine.Tags, extra ...ec2types.Filter) []ec2types.Filter {
	keys := t.Keys()
	out := make([]ec2types.Filter, 0, len(keys)+len(extra))
	for _, k := range keys {
		out = append(out, ec2types.Filter{Name: aws.String("tag:" + k), Values: []string{t[k]}})
	}
	return append(out, extra...)
}

func filter(name string, values ...string) ec2types.Filter {
	return ec2types.Filter{Name: aws.String(name), Values: values}
}

func fromEC2Tags(in []ec2types.Tag) engine.Tags {
	out := make(engine.Tags, len(in))
	for _, t := range in {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

func fromEFSTags(in []efstypes.Tag) engine.Tags {
	out := make(engine.Tags, len(in))
	for _, t := range in {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

// scoped rejects an unscoped query; listing every resource of a kind in the
// account is never what a caller wants.
func scoped(q engine.Query) bool {
	return len(q.Tags) > 0
}
