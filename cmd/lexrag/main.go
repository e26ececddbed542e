// Package main is the lexrag CLI: document ingestion, retrieval and the API
// server for the legal knowledge base.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/khurshedz/lexrag/internal/api"
	"github.com/khurshedz/lexrag/internal/chunk"
	"github.com/khurshedz/lexrag/internal/config"
	"github.com/khurshedz/lexrag/internal/embed"
	"github.com/khurshedz/lexrag/internal/extract"
	"github.com/khurshedz/lexrag/internal/index"
	"github.com/khurshedz/lexrag/internal/ingest"
	"github.com/khurshedz/lexrag/internal/search"
	"github.com/khurshedz/lexrag/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "lexrag",
	Short: "Legal document retrieval service",
	Long: `lexrag ingests PDF legal texts into a searchable knowledge base and
answers similarity queries over them.

Environment variables:
  LEXRAG_DATA_DIR         Data directory (default: ./data)
  LEXRAG_INDEX_BACKEND    Vector index backend: flatfile or qdrant (default: flatfile)
  LEXRAG_HTTP_ADDR        API listen address (default: :8080)
  QDRANT_HOST             Qdrant hostname (default: localhost)
  QDRANT_PORT             Qdrant gRPC port (default: 6334)
  OPENAI_API_KEY          OpenAI API key; embeddings fall back to offline mode if unset`,
}

// app bundles the wired components for command handlers.
type app struct {
	cfg      *config.Config
	store    *store.Store
	index    index.Index
	embedder embed.Provider
	pipeline *ingest.Pipeline
	searcher *search.Service
	logger   *slog.Logger
}

func (a *app) close() {
	a.index.Close()
	a.store.Close()
}

// buildApp probes capabilities once and wires every component in its
// resolved mode. An index backend that fails to initialize degrades to
// relational-only operation instead of aborting startup.
func buildApp() (*app, error) {
	cfg := config.FromEnv()
	logger := slog.Default()

	st, err := store.NewStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	embedder := embed.NewFromEnv(logger)

	var idx index.Index
	switch cfg.IndexBackend {
	case config.BackendQdrant:
		idx, err = index.NewQdrant(cfg.QdrantHost, cfg.QdrantPort, cfg.QdrantCollection, embedder.Dimension())
	case config.BackendFlatFile:
		idx, err = index.NewFlatFile(cfg.IndexPath, embedder.Dimension())
	default:
		st.Close()
		return nil, fmt.Errorf("unknown index backend %q", cfg.IndexBackend)
	}
	if err != nil {
		logger.Warn("Vector index unavailable, running in relational-only mode",
			"backend", cfg.IndexBackend, "error", err)
		idx = index.NewDisabled()
	}

	var extractor extract.Extractor
	if cfg.DemoExtractor {
		logger.Warn("Using demo extractor: uploads are NOT decoded, canned text is ingested instead")
		extractor = extract.DemoExtractor{}
	} else {
		extractor = extract.NewPDFExtractor(logger)
	}

	chunker := chunk.New(cfg.ChunkTargetSize, cfg.ChunkMinLength)
	pipeline := ingest.NewPipeline(st, extractor, chunker, embedder, idx, logger)
	searcher := search.NewService(embedder, idx, cfg.QueryTimeout, logger)

	return &app{
		cfg:      cfg,
		store:    st,
		index:    idx,
		embedder: embedder,
		pipeline: pipeline,
		searcher: searcher,
		logger:   logger,
	}, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		server := api.NewServer(a.store, a.pipeline, a.searcher, a.index, a.embedder,
			a.cfg.UploadsDir, a.cfg.HTTPAddr, a.logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return server.Start(ctx)
	},
}

var (
	ingestTitle string
	ingestType  string
	ingestDesc  string
	ingestOwner string
	ingestAll   bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file.pdf]",
	Short: "Ingest a PDF document, or the whole backlog with --all",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()
		ctx := cmd.Context()

		if ingestAll {
			processed, err := a.pipeline.ProcessBacklog(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Processed %d documents\n", processed)
			return nil
		}

		if len(args) != 1 {
			return errors.New("expected exactly one PDF file (or --all)")
		}
		path := args[0]
		if !strings.EqualFold(filepath.Ext(path), ".pdf") {
			return fmt.Errorf("%s: only PDF files are supported", path)
		}

		title := ingestTitle
		if title == "" {
			title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		if !store.ValidType(ingestType) {
			return fmt.Errorf("unknown document type %q (valid: %s)",
				ingestType, strings.Join(store.DocumentTypes, ", "))
		}

		doc := &store.Document{
			Title:        title,
			DocumentType: ingestType,
			Description:  ingestDesc,
			FilePath:     path,
			UploadedBy:   ingestOwner,
		}
		if err := a.store.CreateDocument(ctx, doc); err != nil {
			return err
		}
		if err := a.pipeline.Process(ctx, doc.ID); err != nil {
			return err
		}

		processed, err := a.store.GetDocument(ctx, doc.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Ingested %q: %d chunks, status %s\n", processed.Title, processed.TotalChunks, processed.Status)
		return nil
	},
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <document-id>",
	Short: "Delete a document's chunks and ingest it again from the stored file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid document id %q", args[0])
		}
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.pipeline.Reprocess(cmd.Context(), id); err != nil {
			return err
		}
		doc, err := a.store.GetDocument(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("Reprocessed %q: %d chunks, status %s\n", doc.Title, doc.TotalChunks, doc.Status)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Delete a document, its chunks and its vector records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid document id %q", args[0])
		}
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.pipeline.Delete(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("Deleted document %d\n", id)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		docs, err := a.store.ListDocuments(cmd.Context(), "")
		if err != nil {
			return err
		}
		for _, doc := range docs {
			fmt.Printf("%4d  %-12s  %-12s  %4d chunks  %s\n",
				doc.ID, doc.Status, doc.DocumentType, doc.TotalChunks, doc.Title)
			if doc.Status == store.StatusError && doc.ErrorMessage != "" {
				fmt.Printf("      error: %s\n", doc.ErrorMessage)
			}
		}
		fmt.Printf("Total: %d\n", len(docs))
		return nil
	},
}

var (
	searchLimit int
	searchTypes []string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a similarity search against the index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		resp, err := a.searcher.Search(cmd.Context(), strings.Join(args, " "), searchLimit, searchTypes)
		if err != nil {
			return err
		}
		if resp.Total == 0 {
			fmt.Println("No results")
			return nil
		}
		for i, frag := range resp.Results {
			fmt.Printf("%d. [%.4f] %s (фрагмент %d)\n   %s\n",
				i+1, frag.Distance, frag.Metadata.DocumentTitle, frag.Metadata.ChunkIndex,
				frag.Content)
		}
		fmt.Printf("Sources: %s\n", strings.Join(resp.Sources, "; "))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index and store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()
		ctx := cmd.Context()

		stats, err := a.index.Stats(ctx)
		if err != nil {
			return err
		}
		ready, err := a.store.CountDocumentsByStatus(ctx, store.StatusReady)
		if err != nil {
			return err
		}
		rows, err := a.store.CountChunks(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Backend:             %s\n", stats.Backend)
		fmt.Printf("Indexed chunks:      %d\n", stats.TotalRecords)
		fmt.Printf("Indexed documents:   %d\n", stats.TotalDocuments)
		fmt.Printf("Ready documents:     %d\n", ready)
		fmt.Printf("Chunk rows:          %d\n", rows)
		fmt.Printf("Embedding fallbacks: %d\n", a.embedder.Degraded())
		if stats.Degraded {
			fmt.Println("WARNING: vector index unavailable, search is disabled")
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "document title (default: file name)")
	ingestCmd.Flags().StringVar(&ingestType, "type", store.TypeOther, "document type: "+strings.Join(store.DocumentTypes, ", "))
	ingestCmd.Flags().StringVar(&ingestDesc, "description", "", "document description")
	ingestCmd.Flags().StringVar(&ingestOwner, "owner", "", "document owner")
	ingestCmd.Flags().BoolVar(&ingestAll, "all", false, "process every pending or failed document")

	searchCmd.Flags().IntVar(&searchLimit, "limit", search.DefaultLimit, "maximum number of results")
	searchCmd.Flags().StringSliceVar(&searchTypes, "types", nil, "restrict to document types")

	rootCmd.AddCommand(serveCmd, ingestCmd, reprocessCmd, deleteCmd, listCmd, searchCmd, statusCmd)
}

func main() {
	// Load .env if present (local development), ignore if missing.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
