// Package mutex provides distributed mutual exclusion over sets of named
// paths for batch pipelines whose workers are independent OS processes on a
// shared filesystem. Providers are interchangeable behind the Mutex
// interface: Database (SQLite, multi-process and multi-key), File (OS
// advisory locks, one path at a time), Redis (for deployments that already
// run one) and Null (no-op, for single-writer runs). There is no queueing
// and no notification on release; a caller that loses a claim skips the
// resource or retries at its own pace.
package mutex
