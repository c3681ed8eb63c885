package storage

// Package storage provides a minimal persistence layer used by the bot.
//
// It currently supports:
//   - Account-age defense settings (threshold + expiry)
//   - Last-activity timestamps for open help posts
//   - The active watch cache
//   - Mod-log dedup state (to survive restarts)
//   - Audit log appends (operator actions)
