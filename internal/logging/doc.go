// Package logging configures structured slog output for vectorsync.
// Logs go to stderr (text on a terminal, JSON otherwise) and optionally to a
// size-rotated JSON file under ~/.vectorsync/logs/ that `vectorsync logs`
// can tail and follow.
package logging
