// Package telemetry provides the observability stack of cloudsaga.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and the ordered run timeline into one
// Telemetry value built at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.ListenAddress = ":9090"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Logging
//
// Logger wraps zerolog with console or JSON output. Packages that take a plain
// zerolog.Logger receive it through Logger.Zerolog:
//
//	logger := tel.Logger.NewComponentLogger("deploy").WithServiceBaseName("edge")
//	executor := engine.NewSagaExecutor(engine.WithLogger(logger.Zerolog()))
//
// # Metrics and tracing
//
// Observer implements engine.Observer. Each stage gets a span and a duration
// sample labelled with its kind and outcome (adopted, created, failed); every
// compensating delete and every ambiguous existence match is counted.
// InstrumentProvider wraps a ResourceProvider so each cloud call is timed,
// traced and its failures counted by error class and code.
//
// Metric names, all prefixed with the configured namespace:
//
//	runs_total{mode,status}
//	run_duration_seconds{mode}
//	stages_total{kind,outcome}
//	stage_duration_seconds{kind}
//	compensations_total{kind,result}
//	ambiguous_matches_total{kind}
//	provider_calls_total{provider,operation}
//	provider_call_duration_seconds{provider,operation}
//	provider_errors_total{provider,operation,class,code}
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Subscribers receive the run
// timeline in order; the CLI prints it and the run journal persists it.
//
//	tel.Events.Subscribe(func(ev engine.Event) {
//	    fmt.Println(ev.Type, ev.Stage, ev.ResourceID)
//	}, telemetry.FilterByLevel("info"))
package telemetry
