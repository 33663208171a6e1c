// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags,
// environment variables prefixed with RECOLLECT, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("RECOLLECT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/recollect", "$HOME/.recollect", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	_ = viper.ReadInConfig()

	return &cobra.Command{
		Use:   "recollect",
		Short: "An idempotent share-ingestion and ML enrichment engine with similarity search",
		Long: `An idempotent share-ingestion and ML enrichment engine with similarity search.

Recollect accepts user-submitted content references, guarantees exactly one
durable record per logical submission, drives each share through an
asynchronous enrichment pipeline (transcribe, summarize, embed) executed by
external workers, and exposes ranked cosine-similarity search over the
resulting embeddings.`,
	}
}
