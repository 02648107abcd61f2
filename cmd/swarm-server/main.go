// Package main provides the entry point for the multi-agent orchestration
// server: the same HTTP/SSE surface as opencode-server, plus the swarm
// routes that drive emergent and direct-mode task sessions.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentswarm/orchestrator/internal/config"
	"github.com/agentswarm/orchestrator/internal/provider"
	"github.com/agentswarm/orchestrator/internal/server"
	"github.com/agentswarm/orchestrator/internal/storage"
	"github.com/agentswarm/orchestrator/internal/swarmsession"
	"github.com/agentswarm/orchestrator/internal/tool"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "swarm-server",
		Short:   "Multi-agent orchestration server",
		Version: fmt.Sprintf("%s (%s)", Version, BuildTime),
	}
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		port        int
		directory   string
		maxSessions int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, directory, maxSessions)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "Server port")
	cmd.Flags().StringVar(&directory, "directory", "", "Working directory")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 0, "Override orchestration.maxSessions from config")
	return cmd
}

func runServe(port int, directory string, maxSessionsOverride int) error {
	workDir := directory
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
	}

	log.Printf("Starting swarm-server v%s", Version)
	log.Printf("Working directory: %s", workDir)

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("create data directories: %w", err)
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	store := storage.New(paths.StoragePath())

	ctx := context.Background()
	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		log.Printf("Warning: failed to initialize some providers: %v", err)
	}

	toolReg := tool.DefaultRegistry(workDir)

	swarmCfg := swarmsession.FromOrchestrationConfig(appConfig.Orchestration)
	if maxSessionsOverride > 0 {
		swarmCfg.MaxSessions = maxSessionsOverride
	}
	swarmMgr := swarmsession.New(providerReg, toolReg, swarmCfg)

	serverConfig := server.DefaultConfig()
	serverConfig.Port = port
	serverConfig.Directory = workDir

	srv := server.New(serverConfig, appConfig, store, providerReg, toolReg)
	srv.AttachSwarm(swarmMgr)

	go func() {
		log.Printf("Server listening on http://localhost:%d", port)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
	return nil
}
