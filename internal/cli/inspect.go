package cli

import (
	"context"
	"encoding/json"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/cascade/internal/persist"
	"github.com/roach88/cascade/internal/store"
	"github.com/roach88/cascade/internal/syncer"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database string
	Since    int64
}

// PersistedEntry is one decoded record of the persistence database.
type PersistedEntry struct {
	Key          string           `json:"key"`
	Revision     int64            `json:"revision"`
	State        json.RawMessage  `json:"state,omitempty"`
	Version      *int             `json:"version,omitempty"`
	SyncMetadata *syncer.Metadata `json:"syncMetadata,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect [key...]",
		Short: "Show persisted container state",
		Long: `Decode the persistence envelopes stored in a SQLite database.

Without keys every entry is shown, oldest revision first. Entries that do not
decode are listed with the decode error.

Examples:
  cascade inspect --db ./cascade.db
  cascade inspect --db ./cascade.db main/prefs
  cascade inspect --db ./cascade.db --since 12 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().Int64Var(&opts.Since, "since", 0, "only show entries written after this revision")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runInspect(opts *InspectOptions, keys []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	// store.Open creates missing databases; inspecting one is a mistake.
	if _, err := os.Stat(opts.Database); err != nil {
		_ = formatter.Error(ErrCodeNotFound, "database not found", opts.Database)
		return WrapExitError(ExitCommandError, "database not found", err)
	}

	st, err := store.Open(opts.Database, store.WithLogger(newLogger(opts.RootOptions, cmd.ErrOrStderr())))
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, "failed to open database", err.Error())
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := st.Entries(ctx, opts.Since)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, "failed to read entries", err.Error())
		return WrapExitError(ExitCommandError, "failed to read entries", err)
	}

	wanted := make([]string, len(keys))
	for i, k := range keys {
		wanted[i] = persist.NormalizeKey(k)
	}

	entries := make([]PersistedEntry, 0, len(raw))
	for _, e := range raw {
		if len(wanted) > 0 && !slices.Contains(wanted, e.Key) {
			continue
		}
		entries = append(entries, decodeEntry(e))
	}

	return formatter.Success(entries)
}

func decodeEntry(e store.Entry) PersistedEntry {
	out := PersistedEntry{Key: e.Key, Revision: e.Revision}
	env, err := persist.JSON{}.Unmarshal(e.Value)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.State = env.State
	out.Version = env.Version
	out.SyncMetadata = env.SyncMetadata
	return out
}
