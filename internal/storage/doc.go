package storage

// Package storage provides the optional persistence layer for the runtime.
//
// It currently supports:
//   - Dispatch audit appends (executed/failed commands)
//   - Best-effort dedup claim mirroring (to survive restarts)
