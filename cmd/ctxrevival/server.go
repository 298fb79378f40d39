package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/ctxrevival/internal/api"
	"github.com/kalambet/ctxrevival/internal/config"
	"github.com/kalambet/ctxrevival/internal/ingest"
	"github.com/kalambet/ctxrevival/internal/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and retention sweeper (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		httpOff, _ := cmd.Flags().GetBool("no-http")
		return runServer(cmd.Context(), withMCP, !httpOff)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running ctxrevival server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
	serveCmd.Flags().Bool("no-http", false, "do not start the HTTP server (use with --mcp)")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "ctxrevival.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(parent context.Context, withMCP, withHTTP bool) error {
	if !withMCP && !withHTTP {
		return errors.New("nothing to serve: --no-http requires --mcp")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("starting ctxrevival", "version", version, "data_dir", cfg.Pipeline.Storage.DataDir)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	pidPath := pidFilePath(cfg.Pipeline.Storage.DataDir)
	if withHTTP {
		if err := ensureNotRunning(addr, pidPath); err != nil {
			return err
		}
		if err := writePIDFile(pidPath); err != nil {
			return fmt.Errorf("writing PID file: %w", err)
		}
		defer removePIDFile(pidPath)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := pipeline.NewService(cfg.Pipeline, slog.Default())
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Warn("closing stores", "error", err)
		}
	}()

	sweeper := ingest.NewSweeper(svc, cfg.Sweep.Interval)
	go sweeper.Run(ctx)

	if withMCP {
		wd, _ := os.Getwd()
		mcpSrv := api.NewMCPServer(api.MCPDeps{Service: svc, ProjectDir: wd, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			if !withHTTP {
				stop()
			}
		}()
		slog.Info("MCP server started (stdio transport)", "project_dir", wd)
	}

	if !withHTTP {
		<-ctx.Done()
		return nil
	}

	if cfg.Server.APIToken == "" {
		slog.Warn("no API token configured, /v1 routes are unauthenticated")
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(api.Deps{Service: svc, Token: cfg.Server.APIToken, Logger: slog.Default()}),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ctxrevival listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ensureNotRunning fails when something already answers /health on addr.
func ensureNotRunning(addr, pidPath string) error {
	healthClient := &http.Client{Timeout: 2 * time.Second}
	resp, err := healthClient.Get("http://" + addr + "/health")
	if err != nil {
		return nil
	}
	resp.Body.Close()
	if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
		printWarning("ctxrevival is already running (PID %d)", pid)
		return fmt.Errorf("server already running (PID %d)", pid)
	}
	printWarning("something is already listening on %s", addr)
	return fmt.Errorf("server already running on %s", addr)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Pipeline.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("ctxrevival is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop ctxrevival (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to ctxrevival (PID %d)", pid)
	return nil
}
