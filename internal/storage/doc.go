// Package storage persists what the bot learns about its audience: chats and
// users it has seen, mailing-list subscribers and an operator audit trail.
//
// Drivers:
//   - memory: process lifetime only
//   - file: jsonl audit log plus a journal compacted into a snapshot
//   - sqlite: modernc.org/sqlite (pure Go) with embedded migrations
package storage
