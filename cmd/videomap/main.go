package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vbabua/video-map-agent/annotate"
	"github.com/vbabua/video-map-agent/clips"
	"github.com/vbabua/video-map-agent/config"
	"github.com/vbabua/video-map-agent/core"
	"github.com/vbabua/video-map-agent/pipeline"
	"github.com/vbabua/video-map-agent/registry"
	"github.com/vbabua/video-map-agent/search"
	"github.com/vbabua/video-map-agent/server"
	"github.com/vbabua/video-map-agent/storage"
)

var version = "dev"

// app wires the configured provider, registry and services together once per
// command invocation.
type app struct {
	cfg      *config.Config
	reg      *registry.Registry
	provider storage.Provider
	ann      *annotate.Annotators
	pipe     *pipeline.Pipeline
	eng      *search.Engine
	ext      *clips.Extractor
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataRoot, 0755); err != nil {
		return nil, fmt.Errorf("create data root: %v", err)
	}

	provider, err := storage.NewProvider(ctx, cfg)
	if err != nil {
		fmt.Printf("Warning: %s store unavailable (%v), falling back to memory store\n", cfg.StoreKind, err)
		provider = storage.NewMemoryProvider()
	} else {
		log.Printf("Segment store initialized: %s", cfg.StoreKind)
	}

	reg := registry.New(filepath.Join(cfg.DataRoot, ".storage_records"), cfg.RegistryKeep)
	if err := reg.LoadReport(); err != nil {
		fmt.Printf("Warning: %v\n", err)
	}

	ann := annotate.Pick(cfg)
	eng := search.NewEngine(cfg, reg, provider, ann)
	return &app{
		cfg:      cfg,
		reg:      reg,
		provider: provider,
		ann:      ann,
		pipe:     pipeline.New(cfg, reg, provider, ann),
		eng:      eng,
		ext:      clips.NewExtractor(cfg, eng),
	}, nil
}

func (a *app) Close() {
	if err := a.ann.Close(); err != nil {
		log.Printf("close annotators: %v", err)
	}
	if err := a.provider.Close(); err != nil {
		log.Printf("close provider: %v", err)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "videomap",
		Short: "Media segmentation, indexing and multimodal search",
		Long: `videomap splits media into overlapping audio chunks and sampled frames,
annotates them with transcripts, captions and embeddings, and serves
ranked time-window search, clip extraction and question answering
over the result.`,
	}

	rootCmd.AddCommand(serveCmd(), ingestCmd(), searchCmd(), askCmd(), clipCmd(), registryCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service",
		Run: func(cmd *cobra.Command, args []string) {
			a, err := newApp(cmd.Context())
			if err != nil {
				fail(err)
			}
			if addr == "" {
				addr = ":8080"
				if v := os.Getenv("PORT"); v != "" {
					addr = ":" + v
				}
			}
			srv := server.New(a.cfg, a.reg, a.pipe, a.eng, a.ext)
			log.Fatal(srv.ListenAndServe(addr))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :8080 or :$PORT)")
	return cmd
}

func ingestCmd() *cobra.Command {
	var mediaID string
	cmd := &cobra.Command{
		Use:   "ingest <media-file>",
		Short: "Segment, annotate and index a media file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a, err := newApp(cmd.Context())
			if err != nil {
				fail(err)
			}
			defer a.Close()
			result, err := a.pipe.Ingest(cmd.Context(), mediaID, args[0])
			if err != nil {
				fail(err)
			}
			printJSON(result)
		},
	}
	cmd.Flags().StringVar(&mediaID, "id", "", "media identifier (default: file base name)")
	return cmd
}

func searchCmd() *cobra.Command {
	var modality string
	var topK int
	cmd := &cobra.Command{
		Use:   "search <media-id> <query>",
		Short: "Rank time windows matching a text query or example image",
		Long: `search ranks an indexed item's segments against the query. For the speech
and description modalities the query is text; for the visual modality it
is the path of an example image.`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			a, err := newApp(cmd.Context())
			if err != nil {
				fail(err)
			}
			defer a.Close()

			session, err := a.eng.Session(cmd.Context(), args[0])
			if err != nil {
				fail(err)
			}
			var hits []core.TimeRangeHit
			switch core.Modality(modality) {
			case core.ModalitySpeech:
				hits, err = session.SearchSpeech(cmd.Context(), args[1], topK)
			case core.ModalityVisual:
				hits, err = session.SearchVisual(cmd.Context(), args[1], topK)
			case core.ModalityDescription:
				hits, err = session.SearchDescription(cmd.Context(), args[1], topK)
			default:
				fail(fmt.Errorf("modality must be speech, visual or description, got %q", modality))
			}
			if err != nil {
				fail(err)
			}
			printJSON(map[string]any{"media_identifier": args[0], "modality": modality, "hits": hits})
		},
	}
	cmd.Flags().StringVar(&modality, "modality", "speech", "speech, visual or description")
	cmd.Flags().IntVar(&topK, "top-k", 5, "number of results")
	return cmd
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <media-id> <question>",
		Short: "Answer a question from the captions nearest to it",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			a, err := newApp(cmd.Context())
			if err != nil {
				fail(err)
			}
			defer a.Close()
			answer, err := a.ext.AnswerQuestion(cmd.Context(), args[0], args[1])
			if err != nil {
				fail(err)
			}
			printJSON(map[string]string{"media_identifier": args[0], "question": args[1], "answer": answer})
		},
	}
}

func clipCmd() *cobra.Command {
	var imagePath string
	cmd := &cobra.Command{
		Use:   "clip <media-id> [query]",
		Short: "Cut a clip around the best match for a query or example image",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			a, err := newApp(cmd.Context())
			if err != nil {
				fail(err)
			}
			defer a.Close()

			var res clips.ClipResult
			switch {
			case imagePath != "":
				res, err = a.ext.ExtractByImage(cmd.Context(), args[0], imagePath)
			case len(args) == 2:
				res, err = a.ext.ExtractByQuery(cmd.Context(), args[0], args[1])
			default:
				fail(fmt.Errorf("provide a text query argument or --image"))
			}
			if err != nil {
				fail(err)
			}
			printJSON(res)
		},
	}
	cmd.Flags().StringVar(&imagePath, "image", "", "cut around the frame most similar to this image")
	return cmd
}

func registryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "registry",
		Short: "List indexed media items",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			a, err := newApp(cmd.Context())
			if err != nil {
				fail(err)
			}
			defer a.Close()
			items, err := a.reg.List()
			if err != nil {
				fail(err)
			}
			printJSON(map[string]any{"count": len(items), "items": items})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("videomap %s\n", version)
		},
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
