// Command stdio demonstrates driving an MCP server over its standard
// streams: it spawns the server command given on the command line,
// performs the handshake, and prints the tools the server exposes.
//
// Usage:
//
//	go run ./example/stdio -- npx -y @modelcontextprotocol/server-everything
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	mcp "github.com/Marways7/AiliaoX-sub000"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: stdio [--] <server-command> [args...]")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	source := mcp.SingleServer(mcp.ServerConfig{
		Name:    "example",
		Command: args[0],
		Args:    args[1:],
		Timeout: 30 * time.Second,
	}, mcp.RetryConfig{})

	client := mcp.NewClient(mcp.Info{Name: "example-stdio", Version: "0.1.0"}, source)
	if err := client.Connect(ctx, ""); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			log.Printf("disconnect: %v", err)
		}
	}()

	info := client.ServerInfo()
	fmt.Printf("connected to %s %s\n", info.Name, info.Version)

	if err := client.Ping(ctx); err != nil {
		log.Fatalf("ping: %v", err)
	}
	fmt.Println("server answers pings")

	if !client.ToolsSupported() {
		fmt.Println("server exposes no tools")
		return
	}

	var cursor string
	for {
		result, err := client.ListTools(ctx, mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			log.Fatalf("list tools: %v", err)
		}
		for _, tool := range result.Tools {
			fmt.Printf("  %s: %s\n", tool.Name, tool.Description)
		}
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}
}
