package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/concord/internal/model"
)

var latestOnly bool

// historyCmd prints a document's version stream
var historyCmd = &cobra.Command{
	Use:   "history [document-id]",
	Short: "Show the claim history of a document",
	Long: `Print the append-only version history of a document as JSON.
Without a document id, list the documents the store knows about.

Example:
  concord history
  concord history smith2021 --latest`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().BoolVar(&latestOnly, "latest", false, "print only the latest claim set")
	historyCmd.Flags().StringVar(&storeBackend, "store", "", "history backend: file, sqlite, memory (default from config)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if storeBackend != "" {
		cfg.Store.Backend = storeBackend
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	ctx := cmd.Context()
	var out any
	switch {
	case len(args) == 0:
		docs, err := st.Documents(ctx)
		if err != nil {
			return fmt.Errorf("list documents: %w", err)
		}
		out = docs
	case latestOnly:
		claims := st.Latest(ctx, args[0])
		if claims == nil {
			claims = []model.Claim{}
		}
		out = claims
	default:
		out = st.History(ctx, args[0])
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
