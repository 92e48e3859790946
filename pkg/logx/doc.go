// Package logx configures digestbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional admin-chat sink (min-level + rate limiting) that posts
//     straight through the transport, never through the dispatch queue
package logx
