// Package store keeps the current status of every backend instance.
//
// The backend manager publishes each lifecycle transition here. The server
// reads it for the instances API and subscribes to it while holding requests
// for a starting backend.
//
// The main components are:
//
//   - [Store]: Interface defining storage and subscription operations
//   - [MemoryStore]: In-memory implementation of Store with pub/sub
//   - [InstanceStatus]: Storage representation of an instance
package store
