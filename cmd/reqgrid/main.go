package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/config"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/remote"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string

	errBatchFailed  = errors.New("one or more rows failed to update")
	errInvalidPatch = errors.New("expected <row>/<property>=<value>")
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "reqgrid",
		Short:         "Edit a requirement table from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSetCommand(), newBatchCommand(), newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "reqgrid:", err)
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "reqgrid API base URL")
	cmd.PersistentFlags().String("token", "", "Session token (overrides env)")
	cmd.PersistentFlags().String("block", "", "Block (table) identifier")
	cmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "session.token", "token")
	bindFlag(cmd, "table.block_id", "block")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <row> <property> <value>",
		Short: "Write one cell; the value is parsed as JSON when possible",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), nil, func(ctx context.Context, session *collab.Session) error {
				row, err := session.UpdateCell(ctx, args[0], args[1], parseValue(args[2]))
				if err != nil {
					return describeWriteError(err)
				}
				return writeJSON(cmd.OutOrStdout(), row)
			})
		},
	}
}

func newBatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <row>/<property>=<value>...",
		Short: "Write several cells, one conditional write per row",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates := make([]collab.CellUpdate, 0, len(args))
			for _, arg := range args {
				update, err := parseCellUpdate(arg)
				if err != nil {
					return err
				}
				updates = append(updates, update)
			}
			return withSession(cmd.Context(), nil, func(ctx context.Context, session *collab.Session) error {
				failed := false
				for _, result := range session.BatchUpdateCells(ctx, updates) {
					line := map[string]any{"row_id": result.RowID, "success": result.Success}
					if result.Success {
						line["version"] = result.Row.Version
					} else {
						failed = true
						line["error"] = describeWriteError(result.Err).Error()
					}
					if err := writeJSON(cmd.OutOrStdout(), line); err != nil {
						return err
					}
				}
				if failed {
					return errBatchFailed
				}
				return nil
			})
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream row changes, presence and cursors until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			observer := func(event collab.Event) {
				if line := describeEvent(event); line != nil {
					_ = writeJSON(out, line)
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withSession(ctx, observer, func(ctx context.Context, session *collab.Session) error {
				session.OnPresenceChange(func() {
					_ = writeJSON(out, map[string]any{"event": "presence", "users": session.ActiveUsers()})
				})
				<-ctx.Done()
				return nil
			})
		},
	}
}

// withSession opens a session on the configured block, runs fn and closes it.
func withSession(ctx context.Context, observer func(collab.Event), fn func(context.Context, *collab.Session) error) error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := remote.NewStore(remote.StoreConfig{
		BaseURL: clientConfig.ServerURL,
		Token:   clientConfig.SessionToken,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	actor, err := store.CurrentActor(ctx)
	if err != nil {
		return err
	}
	channel, err := remote.NewChannel(remote.ChannelConfig{
		BaseURL: clientConfig.ServerURL,
		Token:   clientConfig.SessionToken,
		Topic:   realtime.BlockTopic(clientConfig.BlockID),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	session, err := collab.NewSession(collab.SessionConfig{
		Store:            store,
		Channel:          channel,
		Actor:            actor,
		BlockID:          clientConfig.BlockID,
		Logger:           logger,
		CleanupDelay:     clientConfig.CleanupDelay,
		PresenceThrottle: clientConfig.PresenceThrottle,
		CursorDebounce:   clientConfig.CursorDebounce,
		BatchConcurrency: clientConfig.BatchConcurrency,
		Observer:         observer,
	})
	if err != nil {
		return err
	}
	defer session.Close(context.Background())

	if err := session.Start(ctx); err != nil {
		return err
	}
	logger.Debug("session started", zap.String("block_id", clientConfig.BlockID), zap.String("actor_id", actor.ID))
	return fn(ctx, session)
}

func parseCellUpdate(arg string) (collab.CellUpdate, error) {
	cell, value, found := strings.Cut(arg, "=")
	if !found {
		return collab.CellUpdate{}, fmt.Errorf("%w: %q", errInvalidPatch, arg)
	}
	rowID, propertyID, found := strings.Cut(cell, "/")
	if !found || rowID == "" || propertyID == "" {
		return collab.CellUpdate{}, fmt.Errorf("%w: %q", errInvalidPatch, arg)
	}
	return collab.CellUpdate{RowID: rowID, PropertyID: propertyID, Value: parseValue(value)}, nil
}

// parseValue reads JSON literals (numbers, booleans, arrays, objects, quoted
// strings) and falls back to the raw text.
func parseValue(raw string) any {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err == nil {
		return value
	}
	return raw
}

func describeWriteError(err error) error {
	switch {
	case errors.Is(err, collab.ErrFieldConflict):
		return fmt.Errorf("conflict: the cell was changed by another user; reload and retry: %w", err)
	case errors.Is(err, collab.ErrVersionMismatch):
		return fmt.Errorf("conflict: the row changed while writing: %w", err)
	case errors.Is(err, collab.ErrRowNotFound):
		return fmt.Errorf("row is not part of this block: %w", err)
	default:
		return err
	}
}

func describeEvent(event collab.Event) map[string]any {
	switch event.Kind {
	case collab.EventRowInsert, collab.EventRowUpdate:
		if event.Row == nil {
			return nil
		}
		return map[string]any{"event": string(event.Kind), "row": event.Row}
	case collab.EventRowDelete:
		if event.OldRow == nil {
			return nil
		}
		return map[string]any{"event": string(event.Kind), "row_id": event.OldRow.ID}
	case collab.EventBroadcast:
		if event.Broadcast == nil || event.Broadcast.Event != collab.CursorEvent {
			return nil
		}
		return map[string]any{"event": "cursor", "position": event.Broadcast.Payload}
	case collab.EventStatus:
		return map[string]any{"event": "status", "status": string(event.Status)}
	default:
		return nil
	}
}

func writeJSON(out io.Writer, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(encoded))
	return err
}
