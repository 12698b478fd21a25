// Command takbridge runs the SAPIENT-to-TAK bridging runtime: it
// connects the SAPIENT session, builds the bridge pipeline, and emits
// CoT events over the configured TAK carrier, optionally recording the
// session to a .takrec capture and mirroring emissions to NATS.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Al2800/takrust/bridge"
	"github.com/Al2800/takrust/config"
	"github.com/Al2800/takrust/cot"
	"github.com/Al2800/takrust/cotxml"
	"github.com/Al2800/takrust/envelope"
	"github.com/Al2800/takrust/metric"
	"github.com/Al2800/takrust/natsclient"
	natsout "github.com/Al2800/takrust/output/nats"
	"github.com/Al2800/takrust/pkg/retry"
	"github.com/Al2800/takrust/record"
	"github.com/Al2800/takrust/sapient"
	"github.com/Al2800/takrust/transport"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "takbridge.yaml", "path to configuration file")
	strict := flag.Bool("strict", false, "strict startup validation")
	flag.Parse()

	if err := run(*configPath, *strict); err != nil {
		fmt.Fprintln(os.Stderr, "takbridge:", err)
		os.Exit(1)
	}
}

func run(configPath string, strict bool) error {
	cfg, err := config.Load(configPath, strict)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var registry *metric.MetricsRegistry
	if cfg.Metrics.Enabled {
		registry = metric.NewMetricsRegistry()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry.Gatherer(), promhttp.HandlerOpts{}))
		server := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	clock := envelope.NewClock()

	carrier, err := buildCarrier(ctx, cfg, clock, registry, logger)
	if err != nil {
		return err
	}
	defer carrier.Close()

	var recorder *record.Writer
	if cfg.Record.Path != "" {
		f, err := os.Create(cfg.Record.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		recorder, err = record.NewWriter(f, record.WriterOptions{
			Integrity:    cfg.Record.Integrity,
			CreationWall: clock.EpochWall(),
			Limits:       cfg.Limits,
		})
		if err != nil {
			return err
		}
		defer recorder.Close()
	}

	session := sapient.NewSession(sapient.SessionDeps{
		Config: sapient.SessionConfig{
			Address:     cfg.Sapient.Address,
			NodeID:      cfg.Sapient.NodeID,
			NodeType:    cfg.Sapient.NodeType,
			Limits:      cfg.Limits,
			ReadTimeout: time.Duration(cfg.Sapient.ReadTimeoutSeconds) * time.Second,
			NoDelay:     cfg.Sapient.NoDelay,
			Reconnect: retry.Reconnect(
				time.Duration(cfg.Transport.InitialDelayMs)*time.Millisecond,
				time.Duration(cfg.Transport.MaxDelayMs)*time.Millisecond,
				cfg.Transport.BackoffFactor,
				cfg.Transport.Jitter,
			),
		},
		Clock:  clock,
		Logger: logger.With("component", "sapient-session"),
	})
	defer session.Close()

	if err := session.Connect(ctx); err != nil {
		return err
	}

	bridgeCfg := cfg.Bridge
	bridgeCfg.Limits = cfg.Limits
	bridgeCfg.StrictMode = bridgeCfg.StrictMode || cfg.Strict
	pipeline, err := bridge.New(bridge.Deps{
		Config:          bridgeCfg,
		TransportLimits: cfg.Limits,
		Logger:          logger.With("component", "bridge"),
	})
	if err != nil {
		return err
	}
	defer pipeline.Close()

	sink, err := buildSink(cfg, carrier, recorder, clock, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	logger.Info("takbridge running",
		"transport", cfg.Transport.Kind,
		"sapient", cfg.Sapient.Address,
		"recording", cfg.Record.Path != "")

	return pipeline.Run(ctx, session, sink)
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func buildCarrier(ctx context.Context, cfg config.Config, clock *envelope.Clock, registry *metric.MetricsRegistry, logger *slog.Logger) (transport.Carrier, error) {
	tcfg := transport.DefaultConfig()
	tcfg.Limits = cfg.Limits
	tcfg.Queue = transport.DefaultQueueConfig(cfg.Limits)
	tcfg.Reconnect = transport.ReconnectConfig{
		InitialDelay:  time.Duration(cfg.Transport.InitialDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(cfg.Transport.MaxDelayMs) * time.Millisecond,
		BackoffFactor: cfg.Transport.BackoffFactor,
		Jitter:        cfg.Transport.Jitter,
	}

	switch cfg.Transport.Kind {
	case "udp":
		local := cfg.Transport.LocalAddress
		if local == "" {
			local = "0.0.0.0:0"
		}
		return transport.NewUDP(transport.UDPDeps{
			Config:          tcfg,
			UDP:             transport.UDPConfig{LocalAddr: local, RemoteAddr: cfg.Transport.Address},
			Clock:           clock,
			MetricsRegistry: registry,
			Logger:          logger.With("component", "udp-carrier"),
		})
	case "tcp", "tls":
		policy, err := cfg.DowngradePolicy()
		if err != nil {
			return nil, err
		}
		stream := transport.StreamConfig{
			Address:          cfg.Transport.Address,
			NodeUID:          cfg.Sapient.NodeID,
			Policy:           policy,
			StreamingTimeout: time.Duration(cfg.Negotiation.StreamingTimeoutSeconds) * time.Second,
			NoDelay:          true,
		}
		if cfg.Transport.Kind == "tls" {
			tlsCfg, err := loadTLS(cfg.Crypto)
			if err != nil {
				return nil, err
			}
			stream.TLS = tlsCfg
		}
		return transport.Dial(ctx, transport.StreamDeps{
			Config:          tcfg,
			Stream:          stream,
			Clock:           clock,
			MetricsRegistry: registry,
			Logger:          logger.With("component", "stream-carrier"),
		})
	case "websocket":
		tlsCfg, err := loadTLS(cfg.Crypto)
		if err != nil {
			return nil, err
		}
		return transport.DialWS(ctx, transport.WSDeps{
			Config:          tcfg,
			WS:              transport.WSConfig{URL: cfg.Transport.Address, TLS: tlsCfg},
			Clock:           clock,
			MetricsRegistry: registry,
			Logger:          logger.With("component", "ws-carrier"),
		})
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

// carrierSink adapts a carrier into the bridge's CoT sink, encoding
// events as XML frames, mirroring them to the recorder and the broker.
type carrierSink struct {
	carrier  transport.Carrier
	codec    *cotxml.Codec
	recorder *record.Writer
	broker   *natsout.Output
	logger   *slog.Logger
}

func (s *carrierSink) Send(ctx context.Context, env envelope.Envelope[cot.Event]) error {
	frame, err := s.codec.Encode(env.Message)
	if err != nil {
		return err
	}

	if err := s.carrier.Send(ctx, frame); err != nil {
		return err
	}

	if s.recorder != nil {
		entry := record.Entry{
			Direction:   record.Outbound,
			WallNs:      uint64(env.Observed.Wall.UnixNano()),
			MonotonicNs: uint64(env.Observed.Monotonic),
			Protocol:    record.ProtoTakXml,
			RawFrame:    frame,
		}
		if err := s.recorder.Append(entry); err != nil {
			s.logger.Error("recorder append failed", "error", err)
		}
	}

	if s.broker != nil {
		out := env
		out.RawFrame = frame
		if err := s.broker.Send(ctx, out); err != nil {
			s.logger.Warn("broker publish failed", "error", err)
		}
	}
	return nil
}

func (s *carrierSink) Close() error { return nil }

func buildSink(cfg config.Config, carrier transport.Carrier, recorder *record.Writer, clock *envelope.Clock, logger *slog.Logger) (envelope.Sink[cot.Event], error) {
	sink := &carrierSink{
		carrier:  carrier,
		codec:    cotxml.New(cfg.Limits, nil),
		recorder: recorder,
		logger:   logger.With("component", "cot-sink"),
	}

	if cfg.NATS.URL != "" && cfg.NATS.Subject != "" {
		client := natsclient.New(natsclient.Config{
			URL:            cfg.NATS.URL,
			Name:           "takbridge",
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 5 * time.Second,
		}, logger.With("component", "natsclient"))
		if err := client.Connect(); err != nil {
			return nil, err
		}
		broker, err := natsout.NewOutput(natsout.OutputDeps{
			Subject: cfg.NATS.Subject,
			Client:  client,
			Limits:  cfg.Limits,
			Logger:  logger.With("component", "nats-output"),
		})
		if err != nil {
			return nil, err
		}
		sink.broker = broker
	}

	return envelope.Stack[cot.Event](sink, envelope.ObserveLayer[cot.Event](clock)), nil
}

func loadTLS(crypto config.CryptoConfig) (*transport.TLSConfig, error) {
	cert, err := tlsLoadKeyPair(crypto.CertFile, crypto.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &transport.TLSConfig{Certificate: cert}
	if crypto.CAFile != "" {
		pool, err := tlsLoadCAPool(crypto.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}
	return cfg, nil
}
