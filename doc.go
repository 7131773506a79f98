// Package mcp implements the client side of the Model Context Protocol
// (MCP), following the official specification from
// https://spec.modelcontextprotocol.io/specification/. It launches a
// protocol server as a local child process, speaks JSON-RPC 2.0 over the
// process's standard streams, and exposes the server's tools, resources,
// and prompts as typed operations.
//
// A Client is created with NewClient and draws server launch parameters
// from a ServerSource; the config package provides a YAML-backed source.
// Connect spawns the server, negotiates capabilities, and retries failed
// attempts with exponential backoff. Requests issued concurrently are
// correlated back to their callers by the Correlator, each bounded by its
// own timeout, and a dropped connection rejects every in-flight call
// instead of leaving it hanging.
package mcp
