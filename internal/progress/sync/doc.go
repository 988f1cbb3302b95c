// Package sync is the progress façade used by the app and the CLI.
//
// Overview
//
// A Manager keeps the local store authoritative and treats the cloud as a
// best-effort replica. Every mutation is written locally before the call
// returns; the cloud write is handed to the sync queue and delivered in the
// background.
//
//	caller ──► Manager ──► localstore (sqlite, synchronous)
//	              │
//	              └──► queue ──► cloudstore.Gate ──► Redis / Postgres
//	                     ▲                                │
//	                     └──── OnDone / OnAbandon ◄───────┘
//
// Usage
//
//	local, err := localstore.Open(filepath.Join(dataDir, "progress.db"))
//	if err != nil {
//	    return err
//	}
//	defer local.Close()
//	if err := local.InitSchema(); err != nil {
//	    return err
//	}
//
//	gate := cloudstore.NewGate(backend, acct, acct, log)
//	mgr := sync.New(local, gate, nil)
//
//	rec, err := mgr.MarkBlockCompleted(ctx, "trilha-01", "bloco-3")
//
// Reads
//
// LoadProgress reads the local record and, when the learner may sync, the
// cloud record. Divergent records are merged and the merged result is
// written back to whichever side was stale. Cloud failures are logged and
// the local record is returned.
//
// Failures
//
// Cloud failures never reach the caller. Local read failures fall back to
// the last record seen in this process, or to an empty record. Local write
// failures are returned as *localstore.StorageError together with the
// updated in-memory record.
//
// Concurrency
//
// Load-modify-save cycles for the same module are serialized with a
// per-module mutex, so concurrent mutators never lose each other's updates.
// A Manager is safe for concurrent use.
package sync
