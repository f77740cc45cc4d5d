package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabfab/sales-rag/api"
	"github.com/fabfab/sales-rag/chat"
	"github.com/fabfab/sales-rag/config"
	"github.com/fabfab/sales-rag/database"
	"github.com/fabfab/sales-rag/domain"
	"github.com/fabfab/sales-rag/ingestion"
	"github.com/fabfab/sales-rag/knowledge"
	"github.com/fabfab/sales-rag/retrieval"
	"github.com/fabfab/sales-rag/tools"
)

type rootOptions struct {
	configFile string
	verbose    bool
	logger     *log.Logger
	cfg        config.Config
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "sales-rag",
		Short:         "Document ingestion and retrieval for sales teams",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}
			if opts.verbose {
				cfg.Verbose = true
			}
			flags := log.LstdFlags
			if cfg.Verbose {
				flags |= log.Lshortfile
			}
			opts.cfg = cfg
			opts.logger = log.New(cmd.ErrOrStderr(), "", flags)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log file and line numbers")

	root.AddCommand(
		newServeCmd(opts),
		newIngestCmd(opts),
		newSearchCmd(opts),
		newLocalSearchCmd(opts),
		newChatCmd(opts),
		newMCPCmd(opts),
		newClearCmd(opts),
	)
	return root
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Load(), nil
	}
	return config.LoadFile(path)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.cfg.ValidateServe(); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			server := &http.Server{
				Addr: opts.cfg.HTTPAddr,
				Handler: api.New(opts.cfg, api.Dependencies{
					Store:     a.store,
					Blobs:     a.blobs,
					Ingestion: a.ingestion,
					Searcher:  a.searcher,
					Chat:      a.chat,
					Tools:     a.tools,
					Driver:    a.driver,
				}, opts.logger).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					opts.logger.Printf("shutdown http server: %v", err)
				}
			}()

			opts.logger.Printf("listening on %s (store: %s)", opts.cfg.HTTPAddr, opts.cfg.StoreDriver)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		},
	}
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var (
		owner   string
		project string
	)

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Upload and index local files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var projectID *string
			if project != "" {
				projectID = &project
			}

			opts.logger.Printf("ingesting %d file(s) using %s/%s embeddings", len(args), strings.ToUpper(opts.cfg.Embeddings.Provider), opts.cfg.Embeddings.Model)
			failed := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				doc, err := a.ingestion.Ingest(ctx, ingestion.Upload{
					OwnerID:   owner,
					ProjectID: projectID,
					FileName:  filepath.Base(path),
					MIMEType:  mime.TypeByExtension(filepath.Ext(path)),
					Data:      data,
				})
				switch {
				case err == nil:
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tindexed\n", doc.ID, doc.Name)
				case doc.ID != "":
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tstored unindexed: %v\n", doc.ID, doc.Name, err)
				default:
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "-\t%s\trejected: %v\n", filepath.Base(path), err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d file(s) not indexed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id the files belong to")
	cmd.Flags().StringVar(&project, "project", "", "project id to file the documents under")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

type searchFlags struct {
	owner         string
	topK          int
	minSimilarity float64
	asJSON        bool
}

func (f *searchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.owner, "owner", "", "owner id to search as")
	cmd.Flags().IntVarP(&f.topK, "top-k", "k", 0, "maximum number of results (0 uses the configured default)")
	cmd.Flags().Float64Var(&f.minSimilarity, "min-similarity", -1, "minimum cosine similarity (negative uses the configured default)")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "output results as JSON")
	_ = cmd.MarkFlagRequired("owner")
}

func (f *searchFlags) threshold() *float64 {
	if f.minSimilarity < 0 {
		return nil
	}
	return &f.minSimilarity
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	flags := &searchFlags{}
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search every document of an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.searcher.Global(cmd.Context(), retrieval.GlobalQuery{
				OwnerID:       flags.owner,
				Query:         args[0],
				TopK:          flags.topK,
				MinSimilarity: flags.threshold(),
			})
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			return printResult(cmd.OutOrStdout(), result, flags.asJSON)
		},
	}
	flags.register(cmd)
	return cmd
}

func newLocalSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		flags    = &searchFlags{}
		projects []string
		files    []string
	)
	cmd := &cobra.Command{
		Use:   "local-search <query>",
		Short: "Search selected projects and files of an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.searcher.Local(cmd.Context(), retrieval.LocalQuery{
				OwnerID:       flags.owner,
				Query:         args[0],
				ProjectIDs:    projects,
				FileIDs:       files,
				TopK:          flags.topK,
				MinSimilarity: flags.threshold(),
			})
			if err != nil {
				return fmt.Errorf("local search failed: %w", err)
			}
			return printResult(cmd.OutOrStdout(), result, flags.asJSON)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVar(&projects, "project", nil, "project id to search (repeatable)")
	cmd.Flags().StringSliceVar(&files, "file", nil, "document id to search (repeatable)")
	return cmd
}

func printResult(w io.Writer, result domain.RetrievalResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	if len(result.Results) == 0 {
		fmt.Fprintln(w, result.Message)
		return nil
	}
	for i, item := range result.Results {
		name := item.FileName
		if item.ProjectName != "" {
			name += " / " + item.ProjectName
		}
		fmt.Fprintf(w, "[%d] %.3f %s\n%s\n\n", i+1, item.Similarity, name, item.Content)
	}
	return nil
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		owner    string
		question string
		projects []string
		files    []string
		topK     int
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask a question answered from an owner's documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(question) == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Enter your question: ")
				scanner := bufio.NewScanner(cmd.InOrStdin())
				if scanner.Scan() {
					question = scanner.Text()
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read question: %w", err)
				}
			}

			a, err := newApp(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			resp, err := a.chat.ChatStream(cmd.Context(), chat.Request{
				OwnerID:    owner,
				Question:   question,
				ProjectIDs: projects,
				FileIDs:    files,
				TopK:       topK,
			}, func(part string) error {
				_, err := io.WriteString(out, part)
				return err
			})
			if err != nil {
				return fmt.Errorf("chat failed: %w", err)
			}
			fmt.Fprintln(out)

			if len(resp.Sources) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Sources:")
				for idx, source := range resp.Sources {
					fmt.Fprintf(out, "%d. %s (%.3f)\n", idx+1, source.FileName, source.Score)
					if source.ProjectName != "" {
						fmt.Fprintf(out, "   Project: %s\n", source.ProjectName)
					}
					if source.Insight.ChunkCount > 0 {
						fmt.Fprintf(out, "   Indexed chunks: %d\n", source.Insight.ChunkCount)
					}
					if len(source.Insight.RelatedDocuments) > 0 {
						fmt.Fprintln(out, "   Related documents:")
						for _, related := range source.Insight.RelatedDocuments {
							fmt.Fprintf(out, "     - %s\n", related.Name)
						}
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id to chat as")
	cmd.Flags().StringVarP(&question, "question", "q", "", "question to ask")
	cmd.Flags().StringSliceVar(&projects, "project", nil, "restrict retrieval to a project (repeatable)")
	cmd.Flags().StringSliceVar(&files, "file", nil, "restrict retrieval to a document (repeatable)")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of context chunks to retrieve")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the search tools over MCP stdio for one owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries the protocol.
			opts.logger.SetOutput(os.Stderr)

			a, err := newApp(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			server, err := tools.NewMCPServer(a.tools, owner, opts.logger)
			if err != nil {
				return err
			}
			return server.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id every tool call runs as")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	var (
		owner     string
		all       bool
		confirmed bool
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove ingested data for one owner or for everyone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (owner == "") == !all {
				return fmt.Errorf("exactly one of --owner or --all is required")
			}
			if !confirmed && !confirm(cmd, all) {
				opts.logger.Println("clear aborted")
				return nil
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if all {
				return clearAll(ctx, a)
			}
			return clearOwner(ctx, a, owner)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "remove every project and document of this owner")
	cmd.Flags().BoolVar(&all, "all", false, "truncate all RAG tables and the knowledge graph")
	cmd.Flags().BoolVar(&confirmed, "confirm", false, "skip confirmation prompt")
	return cmd
}

func confirm(cmd *cobra.Command, all bool) bool {
	scope := "this owner's"
	if all {
		scope = "ALL"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "This will permanently delete %s ingested RAG data. Continue? [y/N]: ", scope)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

func clearOwner(ctx context.Context, a *app, ownerID string) error {
	projects, err := a.store.ListProjects(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	for _, p := range projects {
		if err := a.ingestion.DeleteProject(ctx, ownerID, p.ID); err != nil {
			return fmt.Errorf("delete project %s: %w", p.ID, err)
		}
	}

	docs, err := a.store.ListDocuments(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	for _, doc := range docs {
		if err := a.ingestion.DeleteDocument(ctx, ownerID, doc.ID); err != nil {
			return fmt.Errorf("delete document %s: %w", doc.ID, err)
		}
	}
	a.logger.Printf("removed %d project(s) and %d unfiled document(s) of %s", len(projects), len(docs), ownerID)

	if a.driver != nil {
		if err := knowledge.PurgeOwner(ctx, a.driver, ownerID); err != nil {
			return fmt.Errorf("clear neo4j: %w", err)
		}
		a.logger.Printf("Neo4j nodes of %s cleared", ownerID)
	}
	return nil
}

func clearAll(ctx context.Context, a *app) error {
	if a.pool == nil {
		return fmt.Errorf("--all requires the postgres store, current driver is %s", a.cfg.StoreDriver)
	}
	if err := database.TruncateRAGData(ctx, a.pool); err != nil {
		return fmt.Errorf("truncate postgres tables: %w", err)
	}
	a.logger.Println("cleared Postgres rag_projects, rag_documents and rag_chunks")

	if a.driver != nil {
		if err := knowledge.Purge(ctx, a.driver); err != nil {
			return fmt.Errorf("clear neo4j: %w", err)
		}
		a.logger.Println("Neo4j graph cleared")
	}
	a.logger.Println("RAG data removed")
	return nil
}
