// Package session persists what the pool and relay produce: a SQLite
// index of session metadata and per-session JSONL transcripts of the
// wire messages each request emitted.
//
// Invariants:
// - One transcript file per session key; appends are serialized per key.
// - Transcript lines carry seq, ts and requestId so replays keep order.
// - Index rows survive rekeys; the old key is kept in rekeyed_from.
//
// Usage:
//
//	store, err := session.NewStore(dbPath, logger)
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	transcripts, err := session.NewTranscriptLog(dir)
//	if err != nil {
//		return err
//	}
//	sink := session.NewRecorder(ctx, wsSink, transcripts, requestID, "")
package session
