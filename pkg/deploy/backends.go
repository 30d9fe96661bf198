package deploy

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/cloudsaga/cloudsaga/pkg/config"
	"github.com/cloudsaga/cloudsaga/pkg/engine"
	"github.com/cloudsaga/cloudsaga/pkg/lock"
	"github.com/cloudsaga/cloudsaga/pkg/providers/aws"
	"github.com/cloudsaga/cloudsaga/pkg/providers/azure"
	"github.com/cloudsaga/cloudsaga/pkg/providers/memory"
	"github.com/cloudsaga/cloudsaga/pkg/stores"
	"github.com/cloudsaga/cloudsaga/pkg/transports/ssh"
)

// NewProvider builds the resource provider selected by d.Cloud. Building a
// provider makes no cloud calls.
func NewProvider(ctx context.Context, d *config.Deployment, logger zerolog.Logger) (engine.ResourceProvider, error) {
	logger = logger.With().Str("provider", d.Cloud).Logger()

	switch d.Cloud {
	case config.CloudAWS:
		return aws.New(ctx, d.AWS, aws.WithLogger(logger))
	case config.CloudAzure:
		return azure.New(d.Azure, azure.WithLogger(logger))
	case config.CloudMemory:
		return memory.New(memory.WithLogger(logger), memory.WithFaults(d.Memory.Faults())), nil
	default:
		return nil, fmt.Errorf("unsupported cloud %q", d.Cloud)
	}
}

// OpenStore opens and migrates the SQLite state database.
func OpenStore(ctx context.Context, d *config.Deployment) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: d.StateDB})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// NewLocker builds the lease backend selected by d.Lock.Backend. The sqlite
// backend needs store; "none" returns a nil locker.
func NewLocker(
	ctx context.Context,
	d *config.Deployment,
	store stores.Store,
	logger zerolog.Logger,
) (engine.Locker, error) {
	opts := []lock.Option{lock.WithLogger(logger.With().Str("component", "lock").Logger())}

	switch d.Lock.Backend {
	case config.LockSQLite:
		if store == nil {
			return nil, fmt.Errorf("sqlite lock backend needs the state database")
		}
		return lock.NewSQLiteLocker(store, opts...), nil
	case config.LockDynamoDB:
		return lock.NewDynamoDBLocker(ctx, d.Lock.DynamoDB, opts...)
	case config.LockMemory:
		return lock.NewMemoryLocker(opts...), nil
	case config.LockNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", d.Lock.Backend)
	}
}

// NewProbe builds the SSH readiness probe configured by d.SSH, or nil when
// it is disabled.
func NewProbe(d *config.Deployment, logger zerolog.Logger) (func(context.Context, engine.Attributes) error, error) {
	if !d.SSH.Enabled {
		return nil, nil
	}
	key, err := os.ReadFile(d.SSH.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh.private_key_path: %w", err)
	}

	base := *ssh.DefaultConfig("", d.SSH.User)
	base.Port = d.SSH.Port
	base.PrivateKey = key

	prober, err := ssh.NewProber(base,
		ssh.WithCommand(d.SSH.Command),
		ssh.WithProbeTimeout(d.SSH.Timeout),
		ssh.WithProbeLogger(logger.With().Str("component", "ssh-probe").Logger()),
	)
	if err != nil {
		return nil, err
	}
	return prober.Probe, nil
}
