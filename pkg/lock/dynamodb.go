package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the locker.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTimeToLive(ctx context.Context, in *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
}

// DynamoDBConfig configures the DynamoDB locker.
type DynamoDBConfig struct {
	Table    string `yaml:"table" json:"table" validate:"required"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// CreateTable creates the table with a TTL attribute when it is missing.
	CreateTable bool `yaml:"create_table,omitempty" json:"create_table,omitempty"`
}

// lockInfo is stored alongside the lock for operators inspecting the table.
type lockInfo struct {
	Key      string `json:"key"`
	Owner    string `json:"owner"`
	Acquired int64  `json:"acquired"`
}

// DynamoDBLocker keeps leases as items of a DynamoDB table keyed by LockID.
// Acquisition is a conditional put that succeeds when the item is absent,
// expired or already ours; the TTL attribute lets DynamoDB reap stale locks.
type DynamoDBLocker struct {
	client DynamoDBAPI
	cfg    DynamoDBConfig
	opts   options
}

// NewDynamoDBLocker loads the AWS configuration and creates the client.
func NewDynamoDBLocker(ctx context.Context, cfg DynamoDBConfig, opts ...Option) (*DynamoDBLocker, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("table name is required")
	}
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDynamoDBLockerWithClient(ctx, client, cfg, opts...)
}

// NewDynamoDBLockerWithClient creates a locker over an existing client.
func NewDynamoDBLockerWithClient(ctx context.Context, client DynamoDBAPI, cfg DynamoDBConfig, opts ...Option) (*DynamoDBLocker, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("table name is required")
	}
	l := &DynamoDBLocker{client: client, cfg: cfg, opts: newOptions(opts)}
	if cfg.CreateTable {
		if err := l.ensureTable(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure DynamoDB table exists: %w", err)
		}
	}
	return l, nil
}

func (l *DynamoDBLocker) ensureTable(ctx context.Context) error {
	_, err := l.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(l.cfg.Table),
	})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe table: %w", err)
	}

	_, err = l.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(l.cfg.Table),
		KeySchema: []types.KeySchemaElement{{
			AttributeName: aws.String("LockID"),
			KeyType:       types.KeyTypeHash,
		}},
		AttributeDefinitions: []types.AttributeDefinition{{
			AttributeName: aws.String("LockID"),
			AttributeType: types.ScalarAttributeTypeS,
		}},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(l.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(l.cfg.Table),
	}, 5*time.Minute); err != nil {
		return fmt.Errorf("timeout waiting for table to become active: %w", err)
	}

	_, err = l.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(l.cfg.Table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("TTL"),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		// TTL may already be enabled; expiry is also checked on acquire.
		l.opts.logger.Warn().Err(err).Str("table", l.cfg.Table).Msg("Failed to enable TTL")
	}
	return nil
}

func lockID(key string) string {
	return "cloudsaga/" + key
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"LockID": &types.AttributeValueMemberS{Value: lockID(key)},
	}
}

func epoch(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// Acquire implements engine.Locker.
func (l *DynamoDBLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (engine.Lease, error) {
	ttl = ttlOrDefault(ttl)
	now := l.opts.now().UTC()
	expires := now.Add(ttl)

	info, err := json.Marshal(lockInfo{Key: key, Owner: l.opts.owner, Acquired: now.Unix()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock info: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.cfg.Table),
		Item: map[string]types.AttributeValue{
			"LockID":  &types.AttributeValueMemberS{Value: lockID(key)},
			"Owner":   &types.AttributeValueMemberS{Value: l.opts.owner},
			"Created": &types.AttributeValueMemberN{Value: epoch(now)},
			"TTL":     &types.AttributeValueMemberN{Value: epoch(expires)},
			"Info":    &types.AttributeValueMemberS{Value: string(info)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID) OR #ttl < :now OR #owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#ttl":   "TTL",
			"#owner": "Owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":   &types.AttributeValueMemberN{Value: epoch(now)},
			":owner": &types.AttributeValueMemberS{Value: l.opts.owner},
		},
	})
	if err != nil {
		var held *types.ConditionalCheckFailedException
		if errors.As(err, &held) {
			return nil, l.lockedError(ctx, key)
		}
		return nil, classifyDynamoError(err, "acquire").WithResource(key)
	}

	l.opts.logger.Debug().Str("lease", key).Str("owner", l.opts.owner).Time("expires_at", expires).Msg("Lease acquired")
	return newHeldLease(key, ttl, expires, l.opts, l.renew(key), l.release(key)), nil
}

// lockedError reads the current holder for the error message.
func (l *DynamoDBLocker) lockedError(ctx context.Context, key string) error {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.cfg.Table),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil || out.Item == nil {
		return engine.NewPermanentError("deployment is locked", err).
			WithCode(engine.ErrCodeLocked).WithResource(key)
	}
	holder := "unknown"
	if v, ok := out.Item["Owner"].(*types.AttributeValueMemberS); ok {
		holder = v.Value
	}
	var expires time.Time
	if v, ok := out.Item["TTL"].(*types.AttributeValueMemberN); ok {
		if sec, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			expires = time.Unix(sec, 0)
		}
	}
	return engine.NewLockedError(key, holder, expires)
}

func (l *DynamoDBLocker) renew(key string) func(context.Context, time.Time) error {
	return func(ctx context.Context, expires time.Time) error {
		_, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(l.cfg.Table),
			Key:                 keyOf(key),
			UpdateExpression:    aws.String("SET #ttl = :ttl"),
			ConditionExpression: aws.String("#owner = :owner"),
			ExpressionAttributeNames: map[string]string{
				"#ttl":   "TTL",
				"#owner": "Owner",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":ttl":   &types.AttributeValueMemberN{Value: epoch(expires)},
				":owner": &types.AttributeValueMemberS{Value: l.opts.owner},
			},
		})
		if err != nil {
			return classifyDynamoError(err, "renew").WithResource(key)
		}
		return nil
	}
}

func (l *DynamoDBLocker) release(key string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(l.cfg.Table),
			Key:                 keyOf(key),
			ConditionExpression: aws.String("#owner = :owner"),
			ExpressionAttributeNames: map[string]string{
				"#owner": "Owner",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":owner": &types.AttributeValueMemberS{Value: l.opts.owner},
			},
		})
		if err != nil {
			var lost *types.ConditionalCheckFailedException
			if errors.As(err, &lost) {
				return nil
			}
			return classifyDynamoError(err, "release").WithResource(key)
		}
		return nil
	}
}

// ForceRelease implements engine.Locker.
func (l *DynamoDBLocker) ForceRelease(ctx context.Context, key string) error {
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.cfg.Table),
		Key:       keyOf(key),
	})
	if err != nil {
		return classifyDynamoError(err, "force_release").WithResource(key)
	}
	return nil
}

func classifyDynamoError(err error, op string) *engine.EngineError {
	var ce *types.ConditionalCheckFailedException
	if errors.As(err, &ce) {
		return engine.NewConflictError("lock condition failed", err).WithOperation(op)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return engine.NewTransientError("dynamodb request failed", err).WithOperation(op)
	}
	code := apiErr.ErrorCode()
	var e *engine.EngineError
	switch code {
	case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded":
		e = engine.NewThrottledError("dynamodb throttled", err)
	case "InternalServerError", "ServiceUnavailable":
		e = engine.NewTransientError("dynamodb unavailable", err)
	case "ResourceNotFoundException":
		e = engine.NewPermanentError("lock table not found", err).WithCode(engine.ErrCodeValidation)
	case "AccessDeniedException":
		e = engine.NewPermanentError("dynamodb access denied", err).WithCode(engine.ErrCodePermissionDenied)
	default:
		e = engine.NewPermanentError("dynamodb request failed", err).WithCode(engine.ErrCodeProviderFailed)
	}
	return e.WithOperation(op).WithProviderCode(code)
}
