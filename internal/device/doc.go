// Package device holds the printer state model and the reconciler that owns it.
//
// The reconciler is the single writer of the authoritative snapshot. Events
// produced by the protocol bridge are merged field by field; each step yields
// a ChangeSet for subscribers and, undebounced, for observers such as the
// command translator and the job history recorder.
//
// # Architecture
//
//	┌──────────────┐   Event    ┌──────────────┐  ChangeSet  ┌──────────────┐
//	│ bambu.Bridge │──────────▶│  Reconciler  │────────────▶│   hub.Hub    │
//	│ (ingestion)  │  Apply/Tick│ (writer)     │  (debounced)│ (listeners)  │
//	└──────────────┘            └──────┬───────┘             └──────────────┘
//	                                   │ Observe (every change)
//	                                   ▼
//	                     command.Translator, history.Recorder, metrics
//
// # Guarantees
//
//   - Revision increases by one for every step that changed a field
//   - Reports carrying a sequence at or below the last one seen are discarded
//   - Connection events are always applied
//   - Numeric paths are coalesced on a trailing window; status, lights and
//     the job object are delivered immediately
//   - Job is present while the print is active, and for a short grace period
//     after it ends
//
// # Usage
//
//	r := device.NewReconciler(device.ReconcilerOptions{
//	    DebounceWindow: 250 * time.Millisecond,
//	    JobClearGrace:  5 * time.Second,
//	    Publisher:      hub,
//	})
//	r.Apply(ev)
//	snap := r.Snapshot() // safe from any goroutine
package device
