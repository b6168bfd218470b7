// Package persistence stores the session continuation token across restarts.
//
// ContinuationFile keeps the token in a small JSON file that is replaced
// atomically on every save. MemoryStore keeps it in memory for tests and
// short-lived clients. Both implement session.ContinuationStore.
package persistence
