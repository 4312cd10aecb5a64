// Package cli implements the membank command tree.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/index"
	"github.com/membank/membank/internal/ingest"
	"github.com/membank/membank/internal/oracle"
	"github.com/membank/membank/internal/storage"
)

var (
	rootFlag    string
	verboseFlag bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "membank",
	Short:         "Capture, index, and restore AI coding session context",
	Long:          "Memory Bank captures transcripts of AI coding sessions, indexes them for semantic retrieval, and assembles token-budgeted context packs.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&rootFlag, "root", "", "Store directory (default: ./"+storage.DirName+")")
	RootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")
}

// ExitCode maps an error to the process exit code: 2 for oracle
// failures, 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if oracle.IsOracleErr(err) {
		return 2
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}

func logger() *slog.Logger {
	level := slog.LevelWarn
	if verboseFlag {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func storeRoot() string {
	if rootFlag != "" {
		return rootFlag
	}
	cwd, err := os.Getwd()
	if err != nil {
		return storage.DirName
	}
	return filepath.Join(cwd, storage.DirName)
}

func openStore() (*storage.Store, *slog.Logger, error) {
	log := logger()
	st, err := storage.Open(storeRoot(), log)
	return st, log, err
}

func newOracle(cfg storage.Config) oracle.Oracle {
	return oracle.NewOllama(oracle.Config{
		BaseURL:    cfg.Ollama.BaseURL,
		EmbedModel: cfg.Ollama.EmbedModel,
		ChatModel:  cfg.Ollama.ChatModel,
	})
}

// ensureIndex opens the store's index, chunks any pending sessions, and
// brings the index current under the writer lock. A dimension mismatch
// or corrupt metadata forces a full rebuild instead of erroring.
func ensureIndex(cmd *cobra.Command, st *storage.Store, orc oracle.Oracle, log *slog.Logger) (*index.Index, error) {
	ctx := cmd.Context()

	err := st.WithExclusiveLock(ctx, func() error {
		return ingest.ChunkAll(st, log, false)
	})
	if err != nil {
		return nil, err
	}

	ix, err := index.Open(st.IndexDir(), log)
	if err != nil {
		return nil, err
	}

	stale, err := ix.Stale(st)
	if err != nil {
		if !errors.Is(err, index.ErrCorruptMetadata) {
			return nil, err
		}
		stale = true
	}
	if !stale {
		return ix, nil
	}

	start := time.Now()
	err = st.WithExclusiveLock(ctx, func() error {
		_, buildErr := ix.Build(ctx, st, orc)
		if errors.Is(buildErr, index.ErrDimMismatch) || errors.Is(buildErr, index.ErrCorruptMetadata) {
			log.Warn("index unusable, rebuilding", "err", buildErr)
			_, buildErr = ix.Rebuild(ctx, st, orc)
		}
		return buildErr
	})
	if err != nil {
		return nil, err
	}
	log.Debug("index updated", "took", time.Since(start))
	return ix, nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
