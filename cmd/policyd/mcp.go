package main

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-policy/internal/mcptools"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the operator tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			srv, _ := mcptools.NewServer(rt.engine, version)
			rt.log.Info("mcp serving on stdio")
			return server.ServeStdio(srv)
		},
	}
}
