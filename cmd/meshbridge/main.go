// meshbridge bridges a packet-radio mesh network to an AI chat persona.
// It connects to a mesh gateway, follows direct messages and the active
// broadcast channel, and replies through a rate- and probability-gated
// AI pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshbridge/internal/config"
	"meshbridge/internal/connection"
	"meshbridge/internal/conversation"
	"meshbridge/internal/dispatch"
	"meshbridge/internal/gate"
	"meshbridge/internal/llm"
	"meshbridge/internal/mesh"
	"meshbridge/internal/web"
)

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "meshbridge",
		Short:         "AI chat persona for a packet-radio mesh network",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "meshbridge.yaml", "path to the YAML config file")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd(), newSendCmd(), newChannelsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if flagVerbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		zcfg.Development = true
	}
	return zcfg.Build()
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd.Context())
		},
	}
}

func runBridge(parent context.Context) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if cfg.AI.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is not set")
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := mesh.NewGatewayTransport(cfg.Mesh.Network, cfg.Mesh.Address, logger)
	defer func() { _ = transport.Close() }()

	conn := connection.NewManager(connection.Config{
		MaxRetries:     cfg.Connection.MaxRetries,
		BaseRetryDelay: cfg.Connection.BaseRetryDelay(),
		MaxRetryDelay:  cfg.Connection.MaxRetryDelay(),
		CheckInterval:  cfg.Connection.CheckInterval(),
	}, transport, logger,
		connection.WithDialFunc(transport.Connect),
	)
	defer conn.Shutdown()

	store, err := conversation.NewStore(cfg.Storage.Dir, logger)
	if err != nil {
		return err
	}

	ai, err := llm.NewGeminiClient(ctx, cfg.AI.APIKey, cfg.AI.Model, logger)
	if err != nil {
		return err
	}

	responseGate := gate.New(gate.Config{
		Cooldown:            cfg.Response.Cooldown(),
		ResponseProbability: cfg.Response.Probability,
		TriageEnabled:       cfg.AI.TriageEnabled,
		TriageContextCount:  cfg.AI.TriageContextCount,
	}, ai, logger)

	opts := []dispatch.Option{}
	if cfg.Web.Enabled {
		analyzer, err := web.NewRodAnalyzer(logger)
		if err != nil {
			// Web lookup is an enrichment; run without it rather than die.
			logger.Warn("web analyzer unavailable, URL lookups disabled", zap.Error(err))
		} else {
			defer func() { _ = analyzer.Close() }()
			opts = append(opts, dispatch.WithAnalyzer(analyzer))
		}
	}

	coordinator := dispatch.NewCoordinator(dispatch.Config{
		ActiveChannelIndex: cfg.Mesh.ActiveChannelIndex,
		MinResponseDelay:   cfg.Response.MinDelay(),
		MaxResponseDelay:   cfg.Response.MaxDelay(),
		Persona:            cfg.AI.Persona,
		Window: conversation.WindowPolicy{
			MaxMessages:             cfg.History.MaxContextMessages,
			SummarizeTokenThreshold: cfg.History.SummarizeThresholdTokens,
			SummarizeFloorMessages:  cfg.History.SummarizeFloorMessages,
			KeepRecentMessages:      cfg.History.KeepRecentMessages,
			SummaryMaxLength:        cfg.History.SummaryMaxLength,
		},
		WorkerTimeout:      cfg.Response.WorkerTimeoutDuration(),
		MaxWorkers:         cfg.Response.MaxWorkers,
		TriageHistoryCount: cfg.AI.TriageContextCount,
	}, conn, transport, store, responseGate, ai, logger, opts...)

	conn.StartConnection()
	if err := transport.Connect(ctx); err != nil {
		conn.ConnectionFailed(err)
		logger.Warn("initial connection failed, retrying in background", zap.Error(err))
	} else {
		conn.ConnectionSucceeded()
	}

	logger.Info("meshbridge running",
		zap.String("gateway", cfg.Mesh.Address),
		zap.Int("active_channel", cfg.Mesh.ActiveChannelIndex),
		zap.String("local_node", transport.LocalNodeID()))

	err = coordinator.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func newSendCmd() *cobra.Command {
	var (
		dest    string
		channel int
	)
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send one message and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			transport := mesh.NewGatewayTransport(cfg.Mesh.Network, cfg.Mesh.Address, logger)
			defer func() { _ = transport.Close() }()
			if err := transport.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to gateway: %w", err)
			}

			wantAck := dest != "" && !mesh.IsBroadcast(dest)
			if err := transport.SendText(ctx, args[0], mesh.NormalizeID(dest), channel, wantAck); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&dest, "to", "", "destination node id (empty broadcasts)")
	cmd.Flags().IntVar(&channel, "channel", 0, "channel index for broadcasts")
	return cmd
}

func newChannelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List the radio's configured channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger()
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			transport := mesh.NewGatewayTransport(cfg.Mesh.Network, cfg.Mesh.Address, logger)
			defer func() { _ = transport.Close() }()
			if err := transport.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to gateway: %w", err)
			}

			channels, err := transport.Channels(ctx)
			if err != nil {
				return err
			}
			for _, ch := range channels {
				name := ch.Name
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Printf("%3d  %-20s %s\n", ch.Index, name, ch.Role)
			}
			return nil
		},
	}
}
