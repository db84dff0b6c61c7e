// Package history records print jobs in SQLite and serves them back as the
// job history and totals.
//
// The Recorder observes print status transitions from the reconciler:
//
//   - entering preparing, printing or paused from any other state opens a job;
//   - time spent paused is accumulated separately from print time;
//   - leaving the active states closes the job as completed, error or
//     cancelled (a drop back to ready counts as cancelled).
//
// Jobs still in progress when the process starts were cut short by a restart
// and are closed as interrupted.
package history
