package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/go-ragstream"
	"github.com/hubenschmidt/go-ragstream/core"
	"github.com/hubenschmidt/go-ragstream/llm"
	"github.com/hubenschmidt/go-ragstream/loader"
	"github.com/hubenschmidt/go-ragstream/server"
)

func newIndexCmd() *cobra.Command {
	var (
		dir       string
		watch     bool
		chunkSize int
		overlap   int
	)

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Rebuild the collection from the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			cfg := app.Config()
			if dir == "" {
				dir = cfg.Data.Dir
			}
			if !cmd.Flags().Changed("chunk-size") {
				chunkSize = cfg.Chunk.Size
			}
			if !cmd.Flags().Changed("overlap") {
				overlap = cfg.Chunk.Overlap
			}

			reindex := func() error {
				report, err := app.Reindex(ctx, dir, chunkSize, overlap)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d documents into %d chunks (%d dims) in %s [%dms]\n",
					report.Documents, report.Chunks, report.Dimension, report.Collection, report.ElapsedMs)
				return nil
			}

			if err := reindex(); err != nil {
				return err
			}
			if !watch {
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for changes (Ctrl+C to stop)\n", dir)
			return loader.Watch(ctx, dir, loader.DefaultDebounce, func() {
				if err := reindex(); err != nil {
					cmd.PrintErrf("Reindex failed: %v\n", err)
				}
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Directory to index (default from config, \"data\")")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reindex whenever files change")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 100, "Chunk size in characters")
	cmd.Flags().IntVar(&overlap, "overlap", 10, "Characters shared by consecutive chunks")
	return cmd
}

type queryFlags struct {
	topK       int
	candidates int
}

func (q *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&q.topK, "top-k", "k", 0, "Number of results (default from config)")
	cmd.Flags().IntVar(&q.candidates, "candidates", 0, "Candidate pool size (default from config)")
}

func (q *queryFlags) resolve(app *ragstream.App) (int, int) {
	cfg := app.Config()
	topK, candidates := q.topK, q.candidates
	if topK <= 0 {
		topK = cfg.Query.TopK
	}
	if candidates <= 0 {
		candidates = cfg.Query.Candidates
	}
	return topK, candidates
}

func newSearchCmd() *cobra.Command {
	var (
		q       queryFlags
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "search [question]",
		Short: "Print the chunks closest to a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			topK, candidates := q.resolve(app)
			results, err := app.Search(ctx, strings.Join(args, " "), topK, candidates)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}

			if jsonOut {
				return printJSON(cmd.OutOrStdout(), results)
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No results found.")
				return nil
			}
			for i, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "[%d] %.4f %s\n", i+1, r.Score, r.ID)
				fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", strings.ReplaceAll(r.Text, "\n", " "))
			}
			return nil
		},
	}

	q.register(cmd)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output results as JSON")
	return cmd
}

func newAskCmd() *cobra.Command {
	var (
		q     queryFlags
		model string
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question from the indexed documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			out := cmd.OutOrStdout()
			streaming := app.Config().Verbose
			var onPartial func(string)
			if streaming {
				onPartial = func(s string) { fmt.Fprint(out, s) }
			}

			topK, candidates := q.resolve(app)
			answer, err := app.Answer(ctx, strings.Join(args, " "), topK, candidates, model, onPartial)
			if err != nil {
				return err
			}

			if streaming {
				fmt.Fprintln(out)
			} else {
				fmt.Fprintln(out, answer.Message.Content)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Sources:")
			for _, s := range answer.Sources {
				fmt.Fprintf(out, "  - %s (%.3f)\n", s.ID, s.Score)
			}
			return nil
		},
	}

	q.register(cmd)
	cmd.Flags().StringVarP(&model, "model", "m", "", "Chat model (default from config)")
	return cmd
}

func newChatCmd() *cobra.Command {
	var (
		q     queryFlags
		model string
		rag   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session; an empty line exits",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			out := cmd.OutOrStdout()
			onPartial := func(s string) { fmt.Fprint(out, s) }
			topK, candidates := q.resolve(app)
			conv := core.NewConversation()
			scanner := bufio.NewScanner(cmd.InOrStdin())

			for {
				fmt.Fprint(out, "Enter a prompt: ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				input := strings.TrimSpace(scanner.Text())
				if input == "" {
					return nil
				}

				if rag {
					if _, err := app.Continue(ctx, conv, input, topK, candidates, model, onPartial); err != nil {
						cmd.PrintErrf("\nError: %v\n", err)
						continue
					}
				} else if err := chatTurn(ctx, app, conv, input, model, onPartial); err != nil {
					cmd.PrintErrf("\nError: %v\n", err)
					continue
				}
				fmt.Fprint(out, "\n\n\n")
			}
		},
	}

	q.register(cmd)
	cmd.Flags().StringVarP(&model, "model", "m", "", "Chat model (default from config)")
	cmd.Flags().BoolVar(&rag, "rag", false, "Ground each reply on retrieved chunks")
	return cmd
}

// chatSession is the part of the App a plain chat turn needs.
type chatSession interface {
	Chat(ctx context.Context, conv *core.Conversation, model string, onPartial func(string)) (core.Message, error)
}

// chatTurn sends the history plus input and appends both the user message
// and the reply only when the reply arrives.
func chatTurn(ctx context.Context, s chatSession, conv *core.Conversation, input, model string, onPartial func(string)) error {
	turn := core.NewConversation(append(conv.Messages(), core.NewUserMessage(input))...)
	reply, err := s.Chat(ctx, turn, model, onPartial)
	if err != nil {
		return err
	}
	conv.Append(core.NewUserMessage(input))
	conv.Append(reply)
	return nil
}

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := ragstream.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			if addr == "" {
				addr = cfg.Server.Addr
			}
			srv := server.New(server.Config{
				Service:    app,
				DataDir:    cfg.Data.Dir,
				ChunkSize:  cfg.Chunk.Size,
				Overlap:    cfg.Chunk.Overlap,
				TopK:       cfg.Query.TopK,
				Candidates: cfg.Query.Candidates,
			})
			httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

			errCh := make(chan error, 1)
			go func() {
				log.Printf("[server] Listening on http://localhost%s", addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				log.Printf("[server] Shutting down")
				return httpSrv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, \":8000\")")
	return cmd
}

func newRunsCmd() *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent ingestion and answer runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			runs, err := app.Runs().List(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), runs)
			}

			for _, r := range runs {
				ts := time.UnixMilli(r.Timestamp).Format(time.DateTime)
				line := fmt.Sprintf("%s  %-6s  %-6s  %6dms  %s", ts, r.Kind, r.Status, r.ElapsedMs, truncate(r.Input, 50))
				if r.Error != "" {
					line += "  error: " + truncate(r.Error, 60)
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}

			sum, err := app.Runs().Summary(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d runs, %d failed, avg %.0fms\n", sum.TotalRuns, sum.FailedRuns, sum.AvgLatencyMs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output runs as JSON")
	return cmd
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models installed on the Ollama host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			names, err := llm.ListOllamaModels(cmd.Context(), cfg.ChatURL())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
