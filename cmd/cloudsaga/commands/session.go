package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cloudsaga/cloudsaga/pkg/config"
	"github.com/cloudsaga/cloudsaga/pkg/deploy"
	"github.com/cloudsaga/cloudsaga/pkg/engine"
	"github.com/cloudsaga/cloudsaga/pkg/stores"
	"github.com/cloudsaga/cloudsaga/pkg/telemetry"
)

// session holds the backends of one command invocation.
type session struct {
	cfg      *config.Deployment
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	store    *stores.SQLiteStore
	provider engine.ResourceProvider
	locker   engine.Locker
}

// openSession builds telemetry, the state database (when the journal or the
// sqlite lock needs it), the provider and the locker for d.
func openSession(ctx context.Context, d *config.Deployment) (s *session, err error) {
	s = &session{cfg: d}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	s.tel, err = telemetry.NewTelemetry(&d.Telemetry)
	if err != nil {
		return nil, err
	}
	s.logger = s.tel.Logger.WithServiceBaseName(d.ServiceBaseName).Zerolog()
	if err = s.tel.StartMetricsServer(); err != nil {
		return nil, err
	}

	if d.Journal || d.Lock.Backend == config.LockSQLite {
		if s.store, err = deploy.OpenStore(ctx, d); err != nil {
			return nil, err
		}
	}
	if s.provider, err = deploy.NewProvider(ctx, d, s.logger); err != nil {
		return nil, err
	}
	var store stores.Store
	if s.store != nil {
		store = s.store
	}
	if s.locker, err = deploy.NewLocker(ctx, d, store, s.logger); err != nil {
		return nil, err
	}
	return s, nil
}

// journal subscribes the run journal to the event stream, if enabled.
func (s *session) journal(action string) {
	if !s.cfg.Journal || s.store == nil {
		return
	}
	j := deploy.NewJournal(s.store, action, s.cfg.ServiceBaseName, s.provider.Name(), s.logger)
	s.tel.Events.Subscribe(j.Record, nil)
}

// deployer builds the deployer with every configured backend.
func (s *session) deployer() (*deploy.Deployer, error) {
	probe, err := deploy.NewProbe(s.cfg, s.logger)
	if err != nil {
		return nil, err
	}
	opts := []deploy.Option{
		deploy.WithTelemetry(s.tel),
		deploy.WithLogger(s.logger),
	}
	if s.locker != nil {
		opts = append(opts, deploy.WithLocker(s.locker))
	}
	if probe != nil {
		opts = append(opts, deploy.WithProbe(probe))
	}
	return deploy.New(s.cfg, s.provider, opts...)
}

// close drains events before closing the store they are journaled to.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if s.tel != nil {
		errs = append(errs, s.tel.Shutdown(ctx))
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
}

// quietLogger is used by commands that build backends without a session.
func quietLogger() zerolog.Logger {
	return log.Logger.Level(zerolog.WarnLevel)
}
