package store

import "time"

// InstanceStatus is the stored view of one backend instance.
//
// It is decoupled from the backend package's live types and is what the
// instances API serializes.
type InstanceStatus struct {
	// Name is the instance name (the host without the domain suffix).
	Name string `json:"name"`

	// Port is the TCP port allocated to the instance.
	Port int `json:"port"`

	// URL is the backend URL requests are proxied to.
	URL string `json:"url"`

	// State is the lifecycle state (e.g., "started", "running", "errored").
	State string `json:"state"`

	// LastRequest is when the instance last served a proxied request.
	LastRequest time.Time `json:"last_request"`

	// UpdatedAt is when the state last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the interface for storing and subscribing to instance updates.
//
// Store implementations must be safe for concurrent access.
type Store interface {
	// Update stores a status and notifies all subscribers.
	// Statuses are keyed by Name.
	Update(status InstanceStatus)

	// Get returns the status stored under name.
	Get(name string) (InstanceStatus, bool)

	// GetAll returns all currently stored statuses.
	// The returned slice is a snapshot; modifications do not affect the store.
	GetAll() []InstanceStatus

	// Remove deletes the status stored under name. Subscribers are not
	// notified; the final state was already published via Update.
	Remove(name string)

	// Subscribe returns a channel that receives status updates.
	// The returned channel has a buffer; slow consumers may miss updates.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan InstanceStatus

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan InstanceStatus)
}
