package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ganeshballa0/bank-of-anthos/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the bank tools as a Model Context Protocol server",
	Long: `Exposes the bank tools to MCP clients.

Supported transports:
- stdio (default): the user token is read from the environment variable named by mcp.token_env
  (AIRUNTIME_MCP_TOKEN by default) and verified before every call.
- sse: each HTTP request must carry "Authorization: Bearer <token>".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		transport, _ := cmd.Flags().GetString("transport")
		// 未显式指定传输时配置文件可能选择 stdio，日志一律写到 stderr。
		cfg, err := loadConfig(cmd, transport == "stdio" || !cmd.Flags().Changed("transport"))
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("transport") {
			transport = cfg.MCP.Transport
		}
		if addr, _ := cmd.Flags().GetString("address"); addr != "" {
			cfg.MCP.Address = addr
		}

		c, err := buildTools(cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		srv, err := mcpserver.NewServer(mcpserver.Options{
			Name:     cfg.Agent.AppName,
			Version:  version,
			Registry: c.registry,
			Verifier: c.verifier,
		})
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		switch transport {
		case "stdio":
			err = srv.ServeStdio(ctx, cfg.MCP.TokenEnv)
		case "sse":
			err = srv.ServeSSE(ctx, cfg.MCP.Address, cfg.MCP.BaseURL)
		default:
			return fmt.Errorf("unknown transport %q, supported: stdio, sse", transport)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport protocol to use: 'stdio' or 'sse'")
	mcpCmd.Flags().String("address", "", "Listen address for the sse transport (overrides mcp.address)")
}
