// Package schema provides the progress record types shared by the local
// store, the cloud store, the merge resolver and the sync queue.
//
// A ProgressRecord holds one learner's progress in one module (a "trilha").
// Records are created lazily with NewRecord, mutated in place by the helper
// methods, and stamped with Touch on every local change:
//
//	rec := schema.NewRecord("genesis-1")
//	rec.CompleteBlock("b1")
//	rec.AddTime(5)
//	rec.Touch(time.Now())
//
// Block sets (CompletedBlocks, Favorites) are treated as sets: Validate
// rejects duplicates and Normalize removes them.
package schema
