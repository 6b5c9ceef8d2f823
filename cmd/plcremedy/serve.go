package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mrjoshuap/plc-remedy/internal/alerting"
	"github.com/mrjoshuap/plc-remedy/internal/api"
	"github.com/mrjoshuap/plc-remedy/internal/chaos"
	"github.com/mrjoshuap/plc-remedy/internal/config"
	"github.com/mrjoshuap/plc-remedy/internal/data"
	"github.com/mrjoshuap/plc-remedy/internal/device"
	"github.com/mrjoshuap/plc-remedy/internal/logger"
	"github.com/mrjoshuap/plc-remedy/internal/monitor"
	"github.com/mrjoshuap/plc-remedy/internal/orchestrator"
	"github.com/mrjoshuap/plc-remedy/internal/remediation"
	"github.com/mrjoshuap/plc-remedy/internal/scheduler"
	"github.com/mrjoshuap/plc-remedy/internal/websocket"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start monitoring, remediation and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newDevice(cfg *config.Config, tags map[string]data.TagConfig) device.Client {
	if cfg.PLC.Driver == "mqtt" {
		return device.NewMQTTSource(device.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID + "-tags",
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TagPrefix,
			QoS:         byte(cfg.MQTT.QoS),
			StaleAfter:  time.Duration(cfg.MQTT.StaleAfterSeconds) * time.Second,
		}, tags)
	}
	sim := device.NewSimulator(tags, device.SimulatorConfig{
		Jitter:   cfg.PLC.Simulator.Jitter,
		TagDelay: time.Duration(cfg.PLC.Simulator.TagDelayMs) * time.Millisecond,
	})
	for key, v := range cfg.PLC.Simulator.Values {
		if err := sim.Set(tags[key].DeviceName, v); err != nil {
			slog.Warn("simulator start value ignored", "tag", key, "error", err)
		}
	}
	for key, msg := range cfg.PLC.Simulator.Faults {
		sim.Fault(tags[key].DeviceName, msg)
	}
	return sim
}

func connectDevice(ctx context.Context, dev device.Client) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, dev.Connect(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("device connect failed, retrying", "error", err, "retry_in", next)
		}),
	)
	return err
}

// newSinks builds the outbound event fan-out. Broker sinks that cannot be
// reached are skipped so the service still starts.
func newSinks(ctx context.Context, cfg *config.Config, hub *websocket.Hub) (*alerting.Dispatcher, func()) {
	d := alerting.NewDispatcher()
	d.Add(hub)
	var closers []func()

	if cfg.MQTT.PublishEvents {
		mc := alerting.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID + "-events",
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.EventPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		}
		if client, err := alerting.ConnectMQTT(mc); err != nil {
			slog.Error("mqtt event sink disabled", "error", err)
		} else {
			d.Add(alerting.NewMQTTSink(client, mc), config.EventTypes(cfg.MQTT.EventTypes)...)
			closers = append(closers, func() { client.Disconnect(250) })
		}
	}

	if cfg.Redis.Enabled {
		client, err := alerting.DialRedis(ctx, alerting.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			slog.Error("redis event sink disabled", "error", err)
		} else {
			d.Add(alerting.NewRedisSink(client, cfg.Redis.Channel), config.EventTypes(cfg.Redis.EventTypes)...)
			closers = append(closers, func() { client.Close() })
		}
	}

	slog.Info("event sinks ready", "sinks", d.Sinks())
	return d, func() {
		for _, c := range closers {
			c()
		}
	}
}

func injectionEvent(inj chaos.Injection) data.Event {
	payload := map[string]any{
		"injection_id": inj.ID,
		"failure_type": inj.FailureType,
	}
	if inj.TagKey != "" {
		payload["tag_name"] = inj.TagKey
		payload["original_value"] = inj.OriginalValue
		payload["injected_value"] = inj.InjectedValue
	}
	if inj.DurationSeconds > 0 {
		payload["duration_seconds"] = inj.DurationSeconds
	}
	return data.Event{
		Type:      data.EventChaosInjection,
		Timestamp: inj.Timestamp,
		Severity:  data.SeverityWarning,
		TagKey:    inj.TagKey,
		Payload:   payload,
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	tags := cfg.TagConfigs()

	engine := chaos.NewEngine(cfg.ChaosEngineConfig(), tags, chaos.WithCrashFunc(func(err error) {
		slog.Error("simulated service crash", "error", err)
		os.Exit(3)
	}))
	dev := device.NewChaosClient(newDevice(cfg, tags), engine)
	if err := connectDevice(ctx, dev); err != nil {
		slog.Error("device unavailable at startup, monitoring will report it disconnected", "driver", cfg.PLC.Driver, "error", err)
	}

	var mon *monitor.Monitor
	hub := websocket.NewHub(websocket.WithSnapshot(func(limit int) []data.Event {
		return mon.Events("", limit)
	}))
	sinks, closeSinks := newSinks(ctx, cfg, hub)
	defer closeSinks()

	mon = monitor.New(monitor.Config{
		Tags:             tags,
		PollInterval:     cfg.PollInterval(),
		ReadTimeout:      cfg.ReadTimeout(),
		HistorySize:      cfg.PLC.HistorySize,
		HistoryRetention: cfg.HistoryRetention(),
		EventLogSize:     cfg.PLC.EventLogSize,
		AutoRemediate:    cfg.Remediation.AutoRemediate,
		DefaultAction:    data.Action(cfg.Remediation.DefaultAction),
	}, dev, monitor.WithSink(sinks), monitor.WithTransformer(engine))

	ocfg := orchestrator.Config{
		VerifySSL:  cfg.Orchestrator.VerifySSL,
		Token:      cfg.Orchestrator.Token,
		Timeout:    time.Duration(cfg.Orchestrator.TimeoutSeconds) * time.Second,
		MaxRetries: uint(cfg.Orchestrator.MaxRetries),
	}
	if cfg.Orchestrator.Enabled && !cfg.Orchestrator.MockMode {
		ocfg.BaseURL = cfg.Orchestrator.BaseURL
	}
	orch := orchestrator.New(ocfg)
	if orch.Mock() {
		slog.Warn("orchestrator running in mock mode, jobs are simulated")
	}

	svc := remediation.NewService(remediation.Config{
		Templates:           cfg.Templates(),
		StatusCheckInterval: time.Duration(cfg.Remediation.StatusCheckIntervalSeconds) * time.Second,
		MaxStatusChecks:     cfg.Remediation.MaxStatusChecks,
	}, orch, remediation.NewGate(cfg.Cooldown(), nil),
		remediation.WithEvents(mon),
		remediation.WithViolations(mon),
	)
	mon.SetRemediationHook(svc.Hook())
	engine.OnInjection(func(inj chaos.Injection) {
		mon.RecordEvent(context.Background(), injectionEvent(inj))
	})

	sched := scheduler.New()
	if err := sched.AddHousekeeping(scheduler.Housekeeping{
		PruneSchedule:      cfg.Housekeeping.PruneSchedule,
		JobRefreshSchedule: cfg.Housekeeping.JobRefreshSchedule,
		Remediation:        svc,
		Chaos:              engine,
	}); err != nil {
		return err
	}

	router := api.NewRouter(api.NewHandler(api.Deps{
		Monitor:      mon,
		Remediation:  svc,
		Chaos:        engine,
		Hub:          hub,
		Config:       cfg.Sanitized(),
		HistoryLimit: cfg.Dashboard.ChartDataPoints,
	}))
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx, 5*time.Second) })
	g.Go(func() error {
		slog.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		mon.Start(gctx)
		<-gctx.Done()
		slog.Info("shutting down")

		mon.Stop(5 * time.Second)

		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := dev.Disconnect(dctx); err != nil {
			slog.Warn("device disconnect failed", "error", err)
		}

		sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer scancel()
		return server.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("plc-remedy stopped")
	return nil
}
