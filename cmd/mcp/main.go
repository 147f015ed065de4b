// chainsettle MCP server - exposes settlement operations as MCP tools over stdio
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/chainsettle/chainsettle/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL: envOrDefault("CHAINSETTLE_API_URL", "http://localhost:8080"),
		APIKey: os.Getenv("CHAINSETTLE_API_KEY"),
	}
	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "CHAINSETTLE_API_KEY is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
