// Package storage implements a single-node, log-backed key-value engine.
//
// Every mutation is appended to a newline-delimited text log before it is
// applied to an in-memory index. On startup the log is replayed from the
// beginning to rebuild the index. Compaction rewrites the log so that it
// holds exactly one record per live key.
//
// Architecture:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                           Engine                             │
//	├──────────────────────────────────────────────────────────────┤
//	│  Write Path:  Client → mutex → Log append (+fsync) → Index    │
//	│  Read Path:   Client → mutex → Index                          │
//	│  Recovery:    Log replay (later record wins) → Index          │
//	│  Compaction:  Index → <log>.compact → fsync → rename          │
//	└──────────────────────────────────────────────────────────────┘
//
// Log format, one record per line:
//
//	key:value\n
//	key:__DELETE__\n
//
// Keys may not contain ':' or '\n'. Values may not contain '\n' and may not
// equal the tombstone sentinel.
package storage
