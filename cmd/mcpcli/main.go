package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	mcp "github.com/Marways7/AiliaoX-sub000"
	"github.com/Marways7/AiliaoX-sub000/config"
)

const version = "0.1.0"

var (
	configPath string
	serverName string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mcpcli",
		Short: "Command line client for Model Context Protocol servers",
		Long: "mcpcli launches MCP servers from a YAML config and drives their tools,\n" +
			"resources, and prompts over stdio",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "mcp.yaml", "Path to the server config file")
	rootCmd.PersistentFlags().StringVar(&serverName, "server", "", "Server to connect to (defaults to the config's default server)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the server exposes",
		Args:  cobra.NoArgs,
		RunE:  runTools,
	}

	callCmd := &cobra.Command{
		Use:   "call <tool> [json-args]",
		Short: "Invoke a tool with JSON arguments",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runCall,
	}

	queryCmd := &cobra.Command{
		Use:   "query <tool> [json-args]",
		Short: "Invoke a tool and report a pass/fail outcome with timing",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runQuery,
	}

	resourcesCmd := &cobra.Command{
		Use:   "resources",
		Short: "List the resources the server exposes",
		Args:  cobra.NoArgs,
		RunE:  runResources,
	}

	readCmd := &cobra.Command{
		Use:   "read <uri>",
		Short: "Read a resource by URI",
		Args:  cobra.ExactArgs(1),
		RunE:  runRead,
	}

	promptsCmd := &cobra.Command{
		Use:   "prompts",
		Short: "List the prompts the server exposes",
		Args:  cobra.NoArgs,
		RunE:  runPrompts,
	}

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the server responds",
		Args:  cobra.NoArgs,
		RunE:  runPing,
	}

	rootCmd.AddCommand(toolsCmd, callCmd, queryCmd, resourcesCmd, readCmd, promptsCmd, pingCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// connect loads the config, connects to the chosen server, and hands
// back the ready client with a cleanup func.
func connect(cmd *cobra.Command) (*mcp.Client, func(), error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	client := mcp.NewClient(
		mcp.Info{Name: "mcpcli", Version: version},
		cfg,
		mcp.WithLogger(logger),
	)
	if err := client.Connect(cmd.Context(), serverName); err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := client.Disconnect(); err != nil {
			logger.Warn("failed to disconnect", "err", err)
		}
	}
	return client, cleanup, nil
}

func runTools(cmd *cobra.Command, _ []string) error {
	client, cleanup, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if !client.ToolsSupported() {
		fmt.Println("server does not expose tools")
		return nil
	}
	var cursor string
	for {
		result, err := client.ListTools(cmd.Context(), mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return err
		}
		for _, tool := range result.Tools {
			if tool.Description != "" {
				fmt.Printf("%s\t%s\n", tool.Name, tool.Description)
			} else {
				fmt.Println(tool.Name)
			}
		}
		if result.NextCursor == "" {
			return nil
		}
		cursor = result.NextCursor
	}
}

func runCall(cmd *cobra.Command, args []string) error {
	var toolArgs json.RawMessage
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("arguments must be valid JSON, got %q", args[1])
		}
		toolArgs = json.RawMessage(args[1])
	}

	client, cleanup, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := client.CallTool(cmd.Context(), mcp.CallToolParams{
		Name:      args[0],
		Arguments: toolArgs,
	})
	if err != nil {
		return err
	}
	printContent(result.Content)
	if result.IsError {
		return fmt.Errorf("tool %q reported an error", args[0])
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	var queryArgs any
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &queryArgs); err != nil {
			return fmt.Errorf("arguments must be valid JSON: %w", err)
		}
	}

	client, cleanup, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := client.Query(cmd.Context(), args[0], queryArgs)
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("query failed after %s: %s",
			res.Elapsed.Round(time.Millisecond), res.Message)
	}
	printContent(res.Content)
	fmt.Printf("ok in %s\n", res.Elapsed.Round(time.Millisecond))
	return nil
}

func runResources(cmd *cobra.Command, _ []string) error {
	client, cleanup, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if !client.ResourcesSupported() {
		fmt.Println("server does not expose resources")
		return nil
	}
	var cursor string
	for {
		result, err := client.ListResources(cmd.Context(), mcp.ListResourcesParams{Cursor: cursor})
		if err != nil {
			return err
		}
		for _, resource := range result.Resources {
			if resource.Description != "" {
				fmt.Printf("%s\t%s\n", resource.URI, resource.Description)
			} else {
				fmt.Println(resource.URI)
			}
		}
		if result.NextCursor == "" {
			return nil
		}
		cursor = result.NextCursor
	}
}

func runRead(cmd *cobra.Command, args []string) error {
	client, cleanup, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := client.ReadResource(cmd.Context(), mcp.ReadResourceParams{URI: args[0]})
	if err != nil {
		return err
	}
	for _, contents := range result.Contents {
		if contents.Text != "" {
			fmt.Println(contents.Text)
			continue
		}
		fmt.Printf("[%s blob, %d bytes base64]\n", contents.MimeType, len(contents.Blob))
	}
	return nil
}

func runPrompts(cmd *cobra.Command, _ []string) error {
	client, cleanup, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if !client.PromptsSupported() {
		fmt.Println("server does not expose prompts")
		return nil
	}
	var cursor string
	for {
		result, err := client.ListPrompts(cmd.Context(), mcp.ListPromptsParams{Cursor: cursor})
		if err != nil {
			return err
		}
		for _, prompt := range result.Prompts {
			if prompt.Description != "" {
				fmt.Printf("%s\t%s\n", prompt.Name, prompt.Description)
			} else {
				fmt.Println(prompt.Name)
			}
		}
		if result.NextCursor == "" {
			return nil
		}
		cursor = result.NextCursor
	}
}

func runPing(cmd *cobra.Command, _ []string) error {
	client, cleanup, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	start := time.Now()
	if err := client.Ping(cmd.Context()); err != nil {
		return err
	}
	fmt.Printf("pong from %s in %s\n",
		client.ServerInfo().Name, time.Since(start).Round(time.Millisecond))
	return nil
}

func printContent(contents []mcp.Content) {
	for _, content := range contents {
		switch content.Type {
		case mcp.ContentTypeText:
			fmt.Println(content.Text)
		case mcp.ContentTypeImage, mcp.ContentTypeAudio:
			fmt.Printf("[%s %s, %d bytes base64]\n", content.Type, content.MimeType, len(content.Data))
		case mcp.ContentTypeResource:
			if content.Resource != nil {
				fmt.Printf("[resource %s]\n", content.Resource.URI)
			}
		}
	}
}
