// Package cdc provides the public interfaces and types for publishing the
// changes of tracked tables.
//
// Key Components:
//   - StreamMonitor: Interface for monitoring one tracked stream
//   - StreamMonitorFactory: Interface for creating stream monitors
//   - ChangePublisher: Interface for publishing change batches
//   - ChangeEvent: Type representing the current state of one changed object
package cdc
