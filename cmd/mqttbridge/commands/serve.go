package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/nodecrate/mqttbridge/pkg/bridge"
	"github.com/nodecrate/mqttbridge/pkg/cli"
	"github.com/nodecrate/mqttbridge/pkg/httpserve"
	"github.com/nodecrate/mqttbridge/pkg/storage"
)

var (
	flagStaticDir     string
	flagConfigDir     string
	flagArchiveBucket string
	flagListen        string
	flagVerbose       bool
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve [static_files_dir] [config_dir]",
	Short: "Run the bridge server",
	Long: `Run the MQTT-to-WebSocket bridge.

Replays any brokers saved in config_dir, serves the WebSocket endpoint and
the static files directory, and waits for peers to connect.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runServe,
}

func registerServeFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&flagStaticDir, "static-dir", "./web", "directory of static files to serve")
	cmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", defaultConfigDir(), "directory holding brokers.json, commands/, and pipelines/")
	cmd.PersistentFlags().StringVar(&flagArchiveBucket, "archive-bucket", "", "optional S3 bucket to mirror the config directory into")
	cmd.PersistentFlags().StringVar(&flagListen, "listen", "0.0.0.0:3030", "address to listen on")
	cmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging and the /debug/log endpoint")
}

func runServe(cmd *cobra.Command, args []string) error {
	staticDir := flagStaticDir
	configDir := flagConfigDir
	if len(args) > 0 {
		staticDir = args[0]
	}
	if len(args) > 1 {
		configDir = args[1]
	}

	logs := setupLogging(flagVerbose)

	store, err := storage.NewLocal(configDir)
	if err != nil {
		return fmt.Errorf("open config dir: %w", err)
	}

	var opts []bridge.Option
	if flagArchiveBucket != "" {
		archive, err := openArchive(cmd.Context(), flagArchiveBucket)
		if err != nil {
			return fmt.Errorf("open archive bucket: %w", err)
		}
		opts = append(opts, bridge.WithArchive(archive))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bridge.New(ctx, store, opts...)
	b.Start()
	defer b.Shutdown()

	mux := httpserve.NewMux(b, staticDir, logs)
	server := &http.Server{Addr: flagListen, Handler: mux}

	go func() {
		slog.Info("mqttbridge: listening", "addr", flagListen, "static_dir", staticDir, "config_dir", configDir)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mqttbridge: server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// shutdownGrace bounds how long in-flight HTTP requests get to finish once
// a shutdown signal arrives.
const shutdownGrace = 5 * time.Second

func setupLogging(verbose bool) *cli.LogWriter {
	if !verbose {
		handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
		slog.SetDefault(slog.New(handler))
		return nil
	}
	logs := cli.NewLogWriter(1000)
	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, logs), &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
	return logs
}

func openArchive(ctx context.Context, bucket string) (storage.FileStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg)
	return storage.NewS3(client, bucket, ""), nil
}
