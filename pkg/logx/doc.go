// Package logx configures sendgate's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - A rate-limited ring of recent warnings for the status endpoint
package logx
