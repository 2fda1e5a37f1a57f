// Package logx configures modbot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional platform sink (min-level + rate limiting) that forwards
//     log lines into an operator chat thread through the opaque adapter
package logx
