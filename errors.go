// Package aia wires the Sequencer, Secret Manager, Speaker Manager,
// Connection Manager, and UX Manager into a single Client, connecting a
// constrained embedded appliance to a cloud voice service over MQTT
// (spec.md §1-2). Transport, persistent storage, and outbound event
// batching remain external collaborators supplied by the caller.
package aia

import "errors"

// Sentinel errors for Client construction and lifecycle.
var (
	// ErrMissingTopicRoot is returned by New when no topic root was given
	// in Config and none was found in the supplied BlobStore under
	// store.AiaTopicRootKey.
	ErrMissingTopicRoot = errors.New("aia: no topic root configured or persisted")
	// ErrClosed names a closed Client. No Client method returns it: after
	// Close, Connect and Disconnect fail with connection.ErrDestroyed.
	ErrClosed = errors.New("aia: client closed")
)
