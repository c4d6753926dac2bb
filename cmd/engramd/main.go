// Package main implements the engramd CLI: the ingestion daemon for
// conversational agent session logs plus its operator commands.
//
// Commands:
//   - start               run the daemon in the foreground until signalled
//   - stop                signal a running daemon via its pid file
//   - status, health      operator snapshots (queue, store)
//   - queue               list jobs by status
//   - rebuild-index       clear row projections and replay node documents
//   - rebuild-embeddings  regenerate every node vector
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"engram/internal/config"
	"engram/internal/daemon"
	"engram/internal/embedding"
	"engram/internal/queue"
	"engram/internal/store"
	"engram/internal/types"
)

var (
	configPath string
	dataDir    string
	verbose    bool

	console *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "engramd",
	Short: "engram session-log ingestion daemon",
	Long: `engramd watches conversational agent session logs, segments them into
task units, analyzes each unit with an external LLM agent and stores the
observations in a durable knowledge graph.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := zapcore.InfoLevel
		if verbose {
			level = zapcore.DebugLevel
		}
		zcfg := zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(level)
		zcfg.DisableStacktrace = true
		logger, err := zcfg.Build()
		if err != nil {
			return err
		}
		console = logger.Sugar()
		return nil
	},
}

// loadConfig applies the --data-dir flag on top of file + env settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the ingestion daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.Watch) == 0 {
			return fmt.Errorf("no watch directories configured")
		}

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		if err := d.Start(ctx); err != nil {
			return err
		}
		console.Infow("engramd running", "data", cfg.DataDir, "watch", cfg.Watch)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		console.Infow("shutting down", "signal", sig.String())

		d.Stop()
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running daemon to shut down",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pid, err := daemon.SignalRunning(cfg)
		if err != nil {
			return err
		}
		if pid == 0 {
			console.Info("no running daemon found")
			return nil
		}
		console.Infow("sent SIGTERM", "pid", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and store status",
	RunE:  runHealth,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Health snapshot (alias of status)",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Read-only view against the shared database; WAL makes this safe next
	// to a running daemon.
	st, err := store.Open(cfg.DatabasePath(), cfg.NodesDir())
	if err != nil {
		return err
	}
	defer st.Close()

	q, err := queue.New(st.DB(), queue.Options{MaxRetries: cfg.Queue.MaxRetries})
	if err != nil {
		return err
	}

	queueStats, err := q.Stats()
	if err != nil {
		return err
	}
	storeStats, err := st.Stats()
	if err != nil {
		return err
	}

	out := map[string]interface{}{
		"queue": queueStats,
		"store": storeStats,
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(data))
	return nil
}

var queueStatus string

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List jobs by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.DatabasePath(), cfg.NodesDir())
		if err != nil {
			return err
		}
		defer st.Close()

		q, err := queue.New(st.DB(), queue.Options{MaxRetries: cfg.Queue.MaxRetries})
		if err != nil {
			return err
		}
		jobs, err := q.ListByStatus(types.JobStatus(queueStatus), 50)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Printf("no %s jobs\n", queueStatus)
			return nil
		}
		for _, job := range jobs {
			target := job.SessionPath
			if target == "" {
				target = job.NodeID
			}
			line := fmt.Sprintf("%s  %-20s  retries=%d/%d  %s", job.ID, job.Kind, job.RetryCount, job.MaxRetries, target)
			if job.LastError != nil {
				line += fmt.Sprintf("  [%s/%s]", job.LastError.Category, job.LastError.Reason)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var rebuildIndexCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Clear row projections and re-upsert every node from its document",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.DatabasePath(), cfg.NodesDir())
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.RebuildIndex()
		if err != nil {
			return err
		}
		console.Infow("index rebuilt", "nodes", n)
		return nil
	},
}

var rebuildEmbeddingsCmd = &cobra.Command{
	Use:   "rebuild-embeddings",
	Short: "Regenerate every node embedding with the configured engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.DatabasePath(), cfg.NodesDir())
		if err != nil {
			return err
		}
		defer st.Close()

		engine, err := embedding.NewEngine(embedding.Config{
			Provider:       cfg.Embedding.Provider,
			OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
			OllamaModel:    cfg.Embedding.OllamaModel,
			GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
			GenAIModel:     cfg.Embedding.GenAIModel,
		})
		if err != nil {
			return err
		}
		st.SetEmbeddingEngine(engine)

		n, err := st.RebuildEmbeddings(cmd.Context(), func(nodeID string) (string, error) {
			node, getErr := st.GetNode(nodeID)
			if getErr != nil {
				return "", getErr
			}
			return embedding.BuildNodeText(node), nil
		})
		if err != nil {
			return err
		}
		console.Infow("embeddings rebuilt", "nodes", n)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "engram.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose console output")

	queueCmd.Flags().StringVar(&queueStatus, "status", "pending", "job status to list (pending|running|completed|failed)")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, healthCmd, queueCmd, rebuildIndexCmd, rebuildEmbeddingsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
