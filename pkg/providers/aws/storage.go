package aws

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	efstypes "github.com/aws/aws-sdk-go-v2/service/efs/types"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// createFileSystem creates an encrypted file system and one mount target per
// subnet dependency. The creation token makes a repeated create return
// FileSystemAlreadyExists instead of a second file system.
func (p *Provider) createFileSystem(ctx context.Context, in engine.StageInput) (string, error) {
	out, err := p.efs.CreateFileSystem(ctx, &efs.CreateFileSystemInput{
		CreationToken:   aws.String(in.Param("creation_token", in.Name)),
		PerformanceMode: efstypes.PerformanceModeGeneralPurpose,
		Encrypted:       aws.Bool(true),
		Tags:            efsTags(in.Tags),
	})
	if err != nil {
		return "", err
	}
	fsID := aws.ToString(out.FileSystemId)

	if err := p.createMountTargets(ctx, fsID, in.Deps); err != nil {
		if derr := p.deleteFileSystem(context.WithoutCancel(ctx), fsID); derr != nil {
			p.logger.Error().Err(derr).Str("file_system_id", fsID).Msg("Failed to remove partially created file system")
		}
		return "", err
	}
	return fsID, nil
}

func (p *Provider) createMountTargets(ctx context.Context, fsID string, deps engine.Deps) error {
	if err := p.waitInternal(ctx, func(ctx context.Context) (bool, error) {
		attrs, err := p.describeFileSystem(ctx, fsID)
		if err != nil {
			return false, classify(err, engine.KindEFS, "describe")
		}
		return attrs["state"] == string(efstypes.LifeCycleStateAvailable), nil
	}); err != nil {
		return err
	}

	var groups []string
	for _, sg := range deps.OfKind(engine.KindSecurityGroup) {
		groups = append(groups, sg.ID)
	}
	for _, subnet := range deps.OfKind(engine.KindSubnet) {
		_, err := p.efs.CreateMountTarget(ctx, &efs.CreateMountTargetInput{
			FileSystemId:   aws.String(fsID),
			SubnetId:       aws.String(subnet.ID),
			SecurityGroups: groups,
		})
		if err != nil && !engine.IsAlreadyExists(classify(err, engine.KindEFS, "create")) {
			return fmt.Errorf("failed to create mount target in %s: %w", subnet.ID, err)
		}
	}

	return p.waitInternal(ctx, func(ctx context.Context) (bool, error) {
		targets, err := p.mountTargets(ctx, fsID)
		if err != nil {
			return false, classify(err, engine.KindEFS, "describe")
		}
		for _, mt := range targets {
			if mt.LifeCycleState != efstypes.LifeCycleStateAvailable {
				return false, nil
			}
		}
		return true, nil
	})
}

func (p *Provider) mountTargets(ctx context.Context, fsID string) ([]efstypes.MountTargetDescription, error) {
	var (
		out    []efstypes.MountTargetDescription
		marker *string
	)
	for {
		page, err := p.efs.DescribeMountTargets(ctx, &efs.DescribeMountTargetsInput{
			FileSystemId: aws.String(fsID),
			Marker:       marker,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page.MountTargets...)
		if page.NextMarker == nil {
			return out, nil
		}
		marker = page.NextMarker
	}
}

func (p *Provider) listFileSystems(ctx context.Context, q engine.Query) ([]string, error) {
	if !scoped(q) {
		return nil, nil
	}
	var ids []string
	pager := efs.NewDescribeFileSystemsPaginator(p.efs, &efs.DescribeFileSystemsInput{})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, fs := range page.FileSystems {
			if fs.LifeCycleState == efstypes.LifeCycleStateDeleted || fs.LifeCycleState == efstypes.LifeCycleStateDeleting {
				continue
			}
			if fromEFSTags(fs.Tags).Contains(q.Tags) {
				ids = append(ids, aws.ToString(fs.FileSystemId))
			}
		}
	}
	return ids, nil
}

func (p *Provider) describeFileSystem(ctx context.Context, id string) (engine.Attributes, error) {
	out, err := p.efs.DescribeFileSystems(ctx, &efs.DescribeFileSystemsInput{FileSystemId: aws.String(id)})
	if err != nil {
		return nil, err
	}
	if len(out.FileSystems) == 0 {
		return nil, notFound(engine.KindEFS, id)
	}
	fs := out.FileSystems[0]
	return engine.Attributes{
		"id":               id,
		"state":            string(fs.LifeCycleState),
		"dns_name":         fmt.Sprintf("%s.efs.%s.amazonaws.com", id, p.cfg.Region),
		"mount_targets":    strconv.Itoa(int(fs.NumberOfMountTargets)),
		"creation_token":   aws.ToString(fs.CreationToken),
		"performance_mode": string(fs.PerformanceMode),
		"encrypted":        strconv.FormatBool(aws.ToBool(fs.Encrypted)),
	}, nil
}

// deleteFileSystem removes the mount targets, waits for them to go and then
// deletes the file system.
func (p *Provider) deleteFileSystem(ctx context.Context, id string) error {
	targets, err := p.mountTargets(ctx, id)
	if err != nil {
		return err
	}
	for _, mt := range targets {
		if _, err := p.efs.DeleteMountTarget(ctx, &efs.DeleteMountTargetInput{
			MountTargetId: mt.MountTargetId,
		}); err != nil && !engine.IsNotFound(classify(err, engine.KindEFS, "delete")) {
			return err
		}
	}
	if len(targets) > 0 {
		if err := p.waitInternal(ctx, func(ctx context.Context) (bool, error) {
			left, err := p.mountTargets(ctx, id)
			err = classify(err, engine.KindEFS, "describe")
			if engine.IsNotFound(err) {
				return true, nil
			}
			if err != nil {
				return false, err
			}
			return len(left) == 0, nil
		}); err != nil {
			return err
		}
	}
	_, err = p.efs.DeleteFileSystem(ctx, &efs.DeleteFileSystemInput{FileSystemId: aws.String(id)})
	return err
}
