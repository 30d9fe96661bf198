package ssh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// DefaultReadyCommand exits 0 on any host that accepts the login.
const DefaultReadyCommand = "true"

// Prober waits until a provisioned host accepts SSH and runs a readiness
// command successfully. Its Probe method fits engine.ProviderStage.Probe.
type Prober struct {
	base         Config
	command      string
	timeout      time.Duration
	pollInterval time.Duration
	addressKeys  []string
	logger       zerolog.Logger
}

// ProbeOption configures a Prober.
type ProbeOption func(*Prober)

// WithCommand sets the readiness command, for example
// "cloud-init status --wait".
func WithCommand(cmd string) ProbeOption {
	return func(p *Prober) {
		if cmd != "" {
			p.command = cmd
		}
	}
}

// WithProbeTimeout bounds the whole probe, including retries.
func WithProbeTimeout(d time.Duration) ProbeOption {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPollInterval sets the first delay between attempts.
func WithPollInterval(d time.Duration) ProbeOption {
	return func(p *Prober) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithAddressKeys sets the attribute keys tried, in order, for the host
// address.
func WithAddressKeys(keys ...string) ProbeOption {
	return func(p *Prober) {
		if len(keys) > 0 {
			p.addressKeys = keys
		}
	}
}

// WithProbeLogger sets the logger.
func WithProbeLogger(logger zerolog.Logger) ProbeOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// NewProber creates a prober. base supplies everything but the host, which
// is taken from the resource attributes at probe time.
func NewProber(base Config, opts ...ProbeOption) (*Prober, error) {
	p := &Prober{
		base:         base,
		command:      DefaultReadyCommand,
		timeout:      5 * time.Minute,
		pollInterval: 5 * time.Second,
		addressKeys:  []string{"public_ip", "private_ip"},
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.base.Port == 0 {
		p.base.Port = 22
	}

	// Validate with a placeholder host; the real one comes later.
	check := p.base
	check.Host = "probe"
	if err := check.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SSH probe config: %w", err)
	}
	return p, nil
}

// Probe connects to the address found in attrs and runs the readiness
// command until it exits 0 or the probe times out.
func (p *Prober) Probe(ctx context.Context, attrs engine.Attributes) error {
	host := p.address(attrs)
	if host == "" {
		return engine.NewPermanentError(
			fmt.Sprintf("resource %s has none of the attributes %v to probe", attrs["id"], p.addressKeys), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cfg := p.base
	cfg.Host = host
	logger := p.logger.With().Str("host", host).Str("command", p.command).Logger()

	policy := engine.RetryPolicy{
		MaxAttempts:     ^uint(0),
		InitialInterval: p.pollInterval,
		MaxInterval:     6 * p.pollInterval,
		MaxElapsed:      p.timeout,
	}
	notify := func(err error, attempt uint, next time.Duration) {
		logger.Debug().Err(err).Uint("attempt", attempt).Dur("next", next).Msg("Host not ready yet")
	}

	err := engine.Retry(ctx, policy, isTemporary, notify, func(ctx context.Context) error {
		return p.attempt(ctx, &cfg)
	})
	if err == nil {
		logger.Info().Msg("Host is ready")
		return nil
	}
	if ctx.Err() != nil || isTemporary(err) {
		return engine.NewTimeoutError(
			fmt.Sprintf("host %s not ready over SSH within %s", host, p.timeout), err)
	}
	return engine.NewPermanentError(fmt.Sprintf("SSH probe of %s failed", host), err)
}

func (p *Prober) attempt(ctx context.Context, cfg *Config) error {
	client, err := NewSSHClient(cfg)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	_, _, err = client.ExecuteCommand(ctx, p.command)
	return err
}

func (p *Prober) address(attrs engine.Attributes) string {
	for _, key := range p.addressKeys {
		if v := attrs[key]; v != "" {
			return v
		}
	}
	return ""
}

func isTemporary(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.IsTemporary
	}
	return false
}
