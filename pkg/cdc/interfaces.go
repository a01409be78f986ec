package cdc

import "context"

// StreamMonitor defines the interface for monitoring the changes of one stream
type StreamMonitor interface {
	// MonitorStream polls the stream and publishes its changes until ctx is done
	MonitorStream(ctx context.Context) error

	// GetStreamName returns the name of the stream being monitored
	GetStreamName() string
}

// StreamMonitorFactory creates stream monitors for specific streams
type StreamMonitorFactory interface {
	// CreateMonitor creates a new monitor for the named stream
	CreateMonitor(ctx context.Context, stream string) (StreamMonitor, error)
}
