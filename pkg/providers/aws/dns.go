package aws

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
	"github.com/cloudsaga/cloudsaga/pkg/tags"
)

// Route53 records have no tags. A record belongs to a deployment when its name
// is exactly "{serviceBaseName}-instance-{n}.{zone}" (see tags.OwnsRecord), and
// its id is "{hostedZoneID}/{fqdn}".

func recordID(zoneID, name string) string {
	return zoneID + "/" + fqdn(name)
}

func parseRecordID(id string) (zoneID, name string, err error) {
	zoneID, name, ok := strings.Cut(id, "/")
	if !ok || zoneID == "" || name == "" {
		return "", "", engine.NewPermanentError(fmt.Sprintf("malformed record id %q", id), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return zoneID, name, nil
}

func fqdn(name string) string {
	return strings.TrimSuffix(name, ".") + "."
}

// recordTarget picks the address to publish: the elastic IP when there is one,
// the instance public IP otherwise, or an explicit "target" parameter.
func recordTarget(in engine.StageInput) string {
	if eip, ok := in.Deps.First(engine.KindElasticIP); ok && eip.Attributes["public_ip"] != "" {
		return eip.Attributes["public_ip"]
	}
	if inst, ok := in.Deps.First(engine.KindInstance); ok && inst.Attributes["public_ip"] != "" {
		return inst.Attributes["public_ip"]
	}
	return in.Param("target", "")
}

func (p *Provider) createRecord(ctx context.Context, in engine.StageInput) (string, error) {
	name := in.Param("record_name", "")
	if name == "" {
		return "", engine.NewPermanentError("dns_record needs a record_name", nil).WithCode(engine.ErrCodeValidation)
	}
	target := recordTarget(in)
	if target == "" {
		return "", engine.NewPermanentError("dns_record has no address to point at", nil).
			WithCode(engine.ErrCodeDependencyFailed)
	}
	ttl, err := strconv.ParseInt(in.Param("ttl", "300"), 10, 64)
	if err != nil {
		return "", engine.NewPermanentError("invalid ttl", err).WithCode(engine.ErrCodeValidation)
	}

	_, err = p.route53.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(p.cfg.HostedZoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Comment: aws.String("cloudsaga " + in.Name),
			Changes: []r53types.Change{{
				Action: r53types.ChangeActionCreate,
				ResourceRecordSet: &r53types.ResourceRecordSet{
					Name:            aws.String(fqdn(name)),
					Type:            r53types.RRTypeA,
					TTL:             aws.Int64(ttl),
					ResourceRecords: []r53types.ResourceRecord{{Value: aws.String(target)}},
				},
			}},
		},
	})
	if err != nil {
		return "", err
	}
	return recordID(p.cfg.HostedZoneID, name), nil
}

// records walks the zone starting at start and returns A records accepted by match.
func (p *Provider) records(ctx context.Context, zoneID, start string, match func(name string) bool) ([]r53types.ResourceRecordSet, error) {
	input := &route53.ListResourceRecordSetsInput{HostedZoneId: aws.String(zoneID)}
	if start != "" {
		input.StartRecordName = aws.String(fqdn(start))
		input.StartRecordType = r53types.RRTypeA
	}

	var out []r53types.ResourceRecordSet
	for {
		page, err := p.route53.ListResourceRecordSets(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, rr := range page.ResourceRecordSets {
			name := aws.ToString(rr.Name)
			if start != "" && name != fqdn(start) {
				// sorted listing has moved past the requested name
				return out, nil
			}
			if rr.Type == r53types.RRTypeA && match(name) {
				out = append(out, rr)
			}
		}
		if !page.IsTruncated {
			return out, nil
		}
		input.StartRecordName = page.NextRecordName
		input.StartRecordType = page.NextRecordType
		input.StartRecordIdentifier = page.NextRecordIdentifier
	}
}

func (p *Provider) listRecords(ctx context.Context, q engine.Query) ([]string, error) {
	zone := p.cfg.HostedZoneID
	if name := q.Params["record_name"]; name != "" {
		sets, err := p.records(ctx, zone, name, func(string) bool { return true })
		if err != nil {
			return nil, err
		}
		return recordIDs(zone, sets), nil
	}

	base, dnsZone := q.Params["service_base_name"], q.Params["dns_zone"]
	if base == "" || dnsZone == "" {
		return nil, nil
	}
	sets, err := p.records(ctx, zone, "", func(name string) bool {
		return tags.OwnsRecord(base, dnsZone, name)
	})
	if err != nil {
		return nil, err
	}
	return recordIDs(zone, sets), nil
}

func recordIDs(zone string, sets []r53types.ResourceRecordSet) []string {
	ids := make([]string, 0, len(sets))
	for _, rr := range sets {
		ids = append(ids, recordID(zone, aws.ToString(rr.Name)))
	}
	return ids
}

func (p *Provider) findRecord(ctx context.Context, id string) (*r53types.ResourceRecordSet, error) {
	zone, name, err := parseRecordID(id)
	if err != nil {
		return nil, err
	}
	sets, err := p.records(ctx, zone, name, func(string) bool { return true })
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, notFound(engine.KindDNSRecord, id)
	}
	return &sets[0], nil
}

func (p *Provider) describeRecord(ctx context.Context, id string) (engine.Attributes, error) {
	rr, err := p.findRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	attrs := engine.Attributes{
		"id":   id,
		"fqdn": strings.TrimSuffix(aws.ToString(rr.Name), "."),
		"ttl":  strconv.FormatInt(aws.ToInt64(rr.TTL), 10),
	}
	if len(rr.ResourceRecords) > 0 {
		attrs["target"] = aws.ToString(rr.ResourceRecords[0].Value)
	}
	return attrs, nil
}

// deleteRecord needs the current record set, since Route53 deletes by exact match.
func (p *Provider) deleteRecord(ctx context.Context, id string) error {
	rr, err := p.findRecord(ctx, id)
	if err != nil {
		return err
	}
	zone, _, _ := parseRecordID(id)
	_, err = p.route53.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zone),
		ChangeBatch: &r53types.ChangeBatch{
			Changes: []r53types.Change{{Action: r53types.ChangeActionDelete, ResourceRecordSet: rr}},
		},
	})
	return err
}
