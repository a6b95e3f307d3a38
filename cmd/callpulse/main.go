package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"callpulse-server/pkg/audio"
	"callpulse-server/pkg/audiohook"
	"callpulse-server/pkg/bus"
	"callpulse-server/pkg/config"
	"callpulse-server/pkg/genesys"
	http_server "callpulse-server/pkg/http"
	"callpulse-server/pkg/messaging"
	"callpulse-server/pkg/metrics"
	"callpulse-server/pkg/store"
	"callpulse-server/pkg/util"
)

const (
	exitConfigError  = 1
	exitRuntimeError = 2
)

var (
	logger   = logrus.New()
	logLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "callpulse",
		Short:         "Realtime contact-center telemetry service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logLevel != "" {
				level, err := logrus.ParseLevel(logLevel)
				if err != nil {
					logger.WithField("level", logLevel).Warn("Unknown log level, keeping info")
				} else {
					logger.SetLevel(level)
				}
			}
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newConnectorCommand())
	root.AddCommand(newAudioHookCommand())
	root.AddCommand(newTopicsCommand())

	if err := root.Execute(); err != nil {
		logger.WithError(err).Error("Command failed")
		os.Exit(exitRuntimeError)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Error("Invalid configuration")
		os.Exit(exitConfigError)
	}
	logger.SetLevel(cfg.Logging.Level)
	if logLevel != "" {
		if level, err := logrus.ParseLevel(logLevel); err == nil {
			logger.SetLevel(level)
		}
	}
	return cfg
}

func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime ingest API, SSE streamer, and health probes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			metrics.Init(logger)

			repo := store.NewRepository()
			audioStore := audio.NewStore(logger, cfg.Realtime.AudioDir, cfg.Realtime.AudioWindowSeconds, cfg.Realtime.AudioMaxChunkBytes)
			eventBus := bus.New(logger)
			alertSink := messaging.NewAlertPublisher(logger, cfg.Messaging.AMQPURL, cfg.Messaging.AlertExchange, cfg.Messaging.AlertRoutingKey)

			server := http_server.NewServer(logger, cfg, repo, audioStore, eventBus, alertSink)
			server.Start()

			shutdown := util.NewGracefulShutdown(logger, 5*time.Second)
			shutdown.Register(util.ShutdownResource{
				Name:     "http_server",
				Priority: 10,
				Shutdown: server.Shutdown,
			})
			shutdown.Register(util.ShutdownResource{
				Name:     "event_bus",
				Priority: 20,
				Shutdown: func(context.Context) error {
					eventBus.Close()
					return nil
				},
			})
			shutdown.Register(util.ShutdownResource{
				Name:     "amqp_alert_publisher",
				Priority: 30,
				Shutdown: func(context.Context) error {
					alertSink.Close()
					return nil
				},
			})

			<-signalContext().Done()
			logger.Info("Shutdown signal received")
			shutdown.Shutdown()
			return nil
		},
	}
}

func newConnectorCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run-genesys-connector",
		Short: "Run the Genesys notification connector worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if err := cfg.ValidateConnector(dryRun); err != nil {
				logger.WithError(err).Error("Invalid connector configuration")
				os.Exit(exitConfigError)
			}
			metrics.Init(logger)

			connector := genesys.NewConnector(logger, cfg, dryRun)
			return connector.Run(signalContext())
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Observe and log events without forwarding them")
	return cmd
}

func newAudioHookCommand() *cobra.Command {
	var (
		dryRun bool
		host   string
		port   int
		path   string
	)

	cmd := &cobra.Command{
		Use:   "run-audiohook-listener",
		Short: "Run the AudioHook media listener worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if host != "" {
				cfg.AudioHook.Host = host
			}
			if port > 0 {
				cfg.AudioHook.Port = port
			}
			if path != "" {
				cfg.AudioHook.Path = path
			}
			if err := cfg.ValidateAudioHook(dryRun); err != nil {
				logger.WithError(err).Error("Invalid AudioHook configuration")
				os.Exit(exitConfigError)
			}
			metrics.Init(logger)

			listener := audiohook.NewListener(logger, cfg, dryRun)
			return listener.Run(signalContext())
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Accept media but skip forwarding to the ingest API")
	cmd.Flags().StringVar(&host, "host", "", "Listen host override")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port override")
	cmd.Flags().StringVar(&path, "path", "", "Websocket path override")
	return cmd
}

func newTopicsCommand() *cobra.Command {
	var (
		refresh       bool
		asJSON        bool
		queueFilters  []string
		userFilters   []string
		emailFilters  []string
		maxQueues     int
		maxUsers      int
	)

	cmd := &cobra.Command{
		Use:   "build-genesys-topics",
		Short: "Preview the notification topics the connector would subscribe",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if err := cfg.ValidateConnector(true); err != nil {
				logger.WithError(err).Error("Invalid connector configuration")
				os.Exit(exitConfigError)
			}

			if len(queueFilters) > 0 {
				cfg.Genesys.TopicBuilderQueueNameFilters = queueFilters
			}
			if len(userFilters) > 0 {
				cfg.Genesys.TopicBuilderUserNameFilters = userFilters
			}
			if len(emailFilters) > 0 {
				cfg.Genesys.TopicBuilderEmailDomainFilter = emailFilters
			}
			if maxQueues >= 0 {
				cfg.Genesys.TopicBuilderMaxQueues = maxQueues
			}
			if maxUsers >= 0 {
				cfg.Genesys.TopicBuilderMaxUsers = maxUsers
			}

			connector := genesys.NewConnector(logger, cfg, true)
			preview, err := connector.TopicsPreview(signalContext(), refresh)
			if err != nil {
				return err
			}

			if asJSON {
				encoded, err := json.MarshalIndent(preview, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(encoded))
				return nil
			}

			fmt.Printf("Topics (%d manual, %d discovered):\n", preview.ManualTopicCount, preview.PresetTopicCount)
			for _, topic := range preview.Topics {
				fmt.Println("  " + topic)
			}
			for _, queue := range preview.Builder.Queues {
				fmt.Printf("  queue %s (%s)\n", queue.Name, queue.ID)
			}
			for _, user := range preview.Builder.Users {
				fmt.Printf("  user %s <%s> (%s)\n", user.Name, user.Email, user.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Force a fresh discovery run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the preview as JSON")
	cmd.Flags().StringSliceVar(&queueFilters, "queue-filter", nil, "Queue name filters (substring match)")
	cmd.Flags().StringSliceVar(&userFilters, "user-filter", nil, "User name filters (substring match)")
	cmd.Flags().StringSliceVar(&emailFilters, "email-domain-filter", nil, "User email domain filters")
	cmd.Flags().IntVar(&maxQueues, "max-queues", -1, "Maximum queues to discover (0 disables)")
	cmd.Flags().IntVar(&maxUsers, "max-users", -1, "Maximum users to discover (0 disables)")
	return cmd
}
