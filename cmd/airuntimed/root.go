package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ganeshballa0/bank-of-anthos/internal/config"
	"github.com/ganeshballa0/bank-of-anthos/pkg/logger"
)

// version 在构建时通过 -ldflags "-X main.version=..." 注入。
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "airuntimed",
	Short:         "Banking AI runtime",
	Long:          `airuntimed verifies bank-of-anthos user tokens and lets a reasoning agent call the bank's contacts, balance, history and ledger services on the user's behalf.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML or JSON config file (defaults to $AIRUNTIME_CONFIG, then configs/airuntime.yaml)")
	rootCmd.Version = version
	// 不带子命令时等同于 serve。
	rootCmd.RunE = serveCmd.RunE
}

// configPath 依次使用命令行参数、环境变量与默认路径。
func configPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); strings.TrimSpace(path) != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv("AIRUNTIME_CONFIG")); path != "" {
		return path
	}
	fallback := filepath.Join("configs", "airuntime.yaml")
	if _, err := os.Stat(fallback); err == nil {
		return fallback
	}
	return ""
}

// loadConfig 读取配置并初始化日志。stderrOnly 用于 stdio 传输，避免日志混入协议输出。
func loadConfig(cmd *cobra.Command, stderrOnly bool) (*config.Config, error) {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return nil, err
	}
	outputs := cfg.Logging.Outputs
	if stderrOnly {
		outputs = []string{"stderr"}
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}
