// Package hub distributes reconciler change-sets to any number of listeners.
//
// The reconciler publishes into the hub from its single writer goroutine, so
// Publish must never block. Each Subscription owns a bounded queue and a
// pump goroutine that feeds its channel:
//
//	Reconciler ──Publish──► Hub ──enqueue──► [queue] ──pump──► Subscription.C()
//
// When a queue overflows, its backlog is discarded and the listener is
// flagged for resync. The next delivery is a full-snapshot change-set
// (ChangeSet.Snapshot set), after which queued change-sets whose revision is
// already covered by that snapshot are skipped.
//
// CurrentSnapshot reads the reconciler's published snapshot and never blocks
// on I/O.
package hub
