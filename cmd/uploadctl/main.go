package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/go-units"
	"github.com/ilkin0/resumable/internal/api/types"
	"github.com/ilkin0/resumable/internal/client"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	retryMax  int
	verbose   bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "uploadctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uploadctl",
		Short: "Resumable upload API client",
		Long: `uploadctl sends files to the resumable upload service in chunks, resumes
interrupted uploads and inspects upload status.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("UPLOAD_SERVER", "http://localhost:8080"), "Upload service base URL")
	cmd.PersistentFlags().IntVar(&retryMax, "retries", 3, "Retries per request on transport errors, 429 and 5xx")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every request and chunk")
	cmd.AddCommand(
		newUploadCmd(),
		newStatusCmd(),
		newCompleteCmd(),
	)
	return cmd
}

func newClient(cmd *cobra.Command) *client.Client {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return client.New(serverURL, client.WithRetryMax(retryMax), client.WithLogger(log))
}

func newUploadCmd() *cobra.Command {
	var chunkSize string
	var mimeType string
	var resumeID string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file in chunks and complete it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := units.RAMInBytes(chunkSize)
			if err != nil {
				return fmt.Errorf("invalid --chunk-size %q: %w", chunkSize, err)
			}
			if size <= 0 {
				return fmt.Errorf("--chunk-size must be positive")
			}

			out := cmd.OutOrStdout()
			resp, err := newClient(cmd).UploadFile(cmd.Context(), args[0], client.UploadOptions{
				ChunkSize: size,
				MimeType:  mimeType,
				UploadID:  resumeID,
				OnChunk: func(r *types.ChunkUploadResponse) {
					fmt.Fprintf(out, "chunk %d/%d  %6.2f%%\n", r.UploadedChunks, r.TotalChunks, r.Progress)
				},
			})
			if resp != nil {
				return printJSON(out, resp, err)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&chunkSize, "chunk-size", "5MiB", "Chunk size, e.g. 512KiB or 8MiB")
	cmd.Flags().StringVar(&mimeType, "mime-type", "", "MIME type (detected from the extension by default)")
	cmd.Flags().StringVar(&resumeID, "resume", "", "Resume an existing upload id instead of starting a new one")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <upload-id>",
		Short: "Show the status of an upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := newClient(cmd).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status, nil)
		},
	}
}

func newCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <upload-id>",
		Short: "Complete an upload whose chunks are all staged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient(cmd).Complete(cmd.Context(), args[0])
			if resp != nil {
				return printJSON(cmd.OutOrStdout(), resp, err)
			}
			return err
		},
	}
}

// printJSON writes v and passes err through, so a failed completion still
// shows its reason.
func printJSON(w io.Writer, v any, err error) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(v); encErr != nil {
		return encErr
	}
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
