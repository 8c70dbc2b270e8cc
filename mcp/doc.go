// Package mcp implements the gateway's JSON-RPC 2.0 protocol engine.
//
// # Overview
//
// Every backend the gateway talks to, built in or external, speaks the same
// small MCP-compatible method set:
//
//	initialize   handshake, returns protocol version and server identity
//	ping         liveness, empty result
//	tools/list   the tool schemas registered on the engine
//	tools/call   invoke one tool with an argument map
//
// An Engine is a dispatch table from tool name to Handler. It never lets a
// handler failure escape: errors and panics become ToolCallResult values with
// isError set, and protocol mistakes become JSON-RPC error responses.
//
// # Transports
//
// Server runs an Engine over any newline-delimited stream (a child process's
// stdin/stdout in practice). SocketServer accepts unix or tcp connections and
// runs one Server per connection. The gateway side of these streams lives in
// package transport.
//
// # Wire schema
//
// tools/list advertises MCP inputSchema objects. Two extensions keep the
// listing lossless: "riskLevel" on each tool and "x-order" on the schema,
// which records parameter order so SchemaFromDefinition rebuilds exactly the
// tool.Schema that was registered.
package mcp
