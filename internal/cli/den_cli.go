// Package cli is the hackerden command line: the room relay server and a
// watcher that follows a project room through the sync client.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"hackerden/config"
	"hackerden/core/domain"
	"hackerden/internal/bootstrap"
	"hackerden/pkg/logger"
	"hackerden/pkg/metrics"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	console    bool
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := BuildCLI(os.Stdout).Execute(); err != nil {
		logger.WithError(err).Error("hackerden failed")
		os.Exit(1)
	}
}

// BuildCLI assembles the command tree. Command output goes to out.
func BuildCLI(out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "hackerden",
		Short:         "Hackathon project sync client and room relay",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file overlaid on the environment")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&opts.console, "console", false, "human-readable log output")

	rootCmd.AddCommand(
		buildRelayCommand(opts),
		buildWatchCommand(opts),
		buildVersionCommand(),
	)
	return rootCmd
}

// loadConfig reads the dotenv file (if any), the environment and the optional
// YAML overlay.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", o.envFile, err)
		}
	}
	if o.configPath != "" {
		return config.LoadFile(o.configPath)
	}
	return config.Load()
}

// newLogger installs the process-wide logger for a command and returns it.
func (o *rootOptions) newLogger(cfg *config.Config, out io.Writer, service string) *logger.Logger {
	level := cfg.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	return logger.Init(logger.Config{
		Level:   logger.ParseLevel(level),
		Output:  out,
		Service: service,
		Console: o.console || strings.EqualFold(cfg.LogFormat, "console"),
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// =============================================================================
// relay
// =============================================================================

func buildRelayCommand(opts *rootOptions) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Start the room relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.RelayPort = port
			}

			log := opts.newLogger(cfg, cmd.ErrOrStderr(), "hackerden-relay")
			logger.Debug("config loaded for %s environment", cfg.Environment)
			if cfg.RelayJWTSecret == "" {
				logger.Warn("RELAY_JWT_SECRET is unset; clients join without a verified identity")
			}
			logger.WithField("port", cfg.RelayPort).Info("starting relay")

			ctx, stop := signalContext()
			defer stop()

			srv, cleanup, err := bootstrap.NewRelay(ctx, cfg, log.Zerolog())
			if err != nil {
				return err
			}
			defer cleanup()

			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides RELAY_PORT)")
	return cmd
}

// =============================================================================
// watch
// =============================================================================

type watchOptions struct {
	projectID string
	roomID    string
	label     string
}

func buildWatchCommand(opts *rootOptions) *cobra.Command {
	w := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a project room and log every change",
		RunE: func(cmd *cobra.Command, args []string) error {
			if w.projectID == "" {
				return fmt.Errorf("--project is required")
			}
			if w.roomID == "" {
				w.roomID = w.projectID
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log := opts.newLogger(cfg, cmd.ErrOrStderr(), "hackerden-watch")
			logger.Debug("config loaded for %s environment", cfg.Environment)
			started := time.Now()

			ctx, stop := signalContext()
			defer stop()

			client, err := bootstrap.NewClient(cfg, bootstrap.ClientOptions{
				ProjectID: w.projectID,
				Logger:    log.Zerolog(),
			})
			if err != nil {
				return err
			}
			defer client.Close()

			detach := watchRoom(client, logger.Component("watch"))
			defer detach()

			logger.WithFields(map[string]any{"project_id": w.projectID, "room_id": w.roomID}).Info("watching room")
			if err := client.Start(ctx, w.roomID, w.label); err != nil {
				return err
			}
			printBoard(cmd.OutOrStdout(), client)

			<-ctx.Done()
			logLatency(log, client.Latency)
			logger.WithDuration(time.Since(started)).Info("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&w.projectID, "project", "", "project id to sync")
	cmd.Flags().StringVar(&w.roomID, "room", "", "room to join (defaults to the project id)")
	cmd.Flags().StringVar(&w.label, "label", "", "display name announced to the room")
	return cmd
}

// watchRoom logs domain events and connection changes. The returned func
// detaches every listener.
func watchRoom(client *bootstrap.Client, log zerolog.Logger) func() {
	names := []domain.EventName{
		domain.EventProjectUpdated, domain.EventMemberJoined, domain.EventMemberLeft, domain.EventPivotLogged,
		domain.EventTaskCreated, domain.EventTaskUpdated, domain.EventTaskMoved, domain.EventTaskDeleted,
		domain.EventUserJoined, domain.EventUserLeft, domain.EventError,
	}

	rt := client.Realtime
	detach := make([]func(), 0, len(names)+1)
	for _, name := range names {
		sub := rt.On(name, func(event domain.Event) error {
			log.Info().Str("event", string(event.Name)).RawJSON("data", rawOrNull(event.Payload)).Msg("room event")
			return nil
		})
		detach = append(detach, func() { rt.Off(name, sub) })
	}
	detach = append(detach, rt.OnConnectionChange(func(connected bool) {
		state := rt.State()
		log.Info().
			Bool("connected", connected).
			Int("attempts", state.ReconnectAttempts).
			Msg("connection changed")
	}))

	return func() {
		for _, fn := range detach {
			fn()
		}
	}
}

func rawOrNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

// logLatency writes one line per operation the client ran, sorted by name.
func logLatency(log *logger.Logger, reg *metrics.LatencyRegistry) {
	all := reg.AllStats()
	ops := make([]string, 0, len(all))
	for op := range all {
		ops = append(ops, op)
	}
	slices.Sort(ops)

	for _, op := range ops {
		log.WithFields(all[op].ToMap()).WithField("operation", op).Info("operation latency")
	}
}

func printBoard(w io.Writer, client *bootstrap.Client) {
	if p, ok := client.Project.Project(); ok {
		fmt.Fprintf(w, "%s (%d members)\n", p.Name, len(p.Members))
	}
	for _, t := range client.Board.Tasks() {
		fmt.Fprintf(w, "  [%s] %s  %s\n", t.Status, t.ID, t.Title)
	}
}

// =============================================================================
// version
// =============================================================================

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hackerden %s\n", Version)
		},
	}
}
