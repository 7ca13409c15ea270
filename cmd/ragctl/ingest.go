package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/app"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/config"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/ingest"
)

func newIngestCmd(g *globalOptions) *cobra.Command {
	var cfg ingest.Config
	cmd := &cobra.Command{
		Use:   "ingest [path...]",
		Short: "Chunk files and index them into the retrieval backend",
		Long: `Walks the given files and directories, splits each document into
token-bounded chunks and indexes them. Re-ingesting a file replaces its chunks.

With the chromem backend set retrieval.chromem.path so the server sees the
indexed documents.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStack(cmd.Context(), func(c *config.Config, stack *app.Stack, logger *zap.Logger) error {
				if c.Retrieval.Backend == "chromem" && c.Retrieval.Chromem.Path == "" {
					fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render("warning: chromem is in-memory; indexed chunks are discarded on exit"))
				}
				stats, err := ingest.NewIngester(stack.Backend, cfg, logger).Run(cmd.Context(), args)
				if err != nil {
					return err
				}
				total, err := stack.Backend.Count(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ Ingestion complete"))
				fmt.Fprintf(cmd.OutOrStdout(), "  Files:   %d (%d empty skipped)\n", stats.Files, stats.Skipped)
				fmt.Fprintf(cmd.OutOrStdout(), "  Chunks:  %d\n", stats.Chunks)
				fmt.Fprintf(cmd.OutOrStdout(), "  Indexed: %d in %s\n", total, stack.Backend.Name())
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", dimStyle.Render(stats.Duration.String()))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&cfg.Chunker.ChunkSize, "chunk-size", 512, "maximum tokens per chunk")
	cmd.Flags().IntVar(&cfg.Chunker.ChunkOverlap, "chunk-overlap", 50, "tokens repeated between consecutive chunks")
	cmd.Flags().IntVar(&cfg.BatchSize, "batch-size", 64, "chunks per index request")
	cmd.Flags().StringSliceVar(&cfg.Extensions, "ext", ingest.DefaultExtensions, "file extensions picked up from directories")
	return cmd
}
