// Package l1capture owns Layer 1 (Capture): driving a sensor through one
// capture cycle per frame and publishing each frame into the L2 handoff.
//
// Per frame the Coordinator waits for the consumer (BeginWrite), labels the
// frame, starts the sensor, polls until the sensor reports the capture done,
// stops it and publishes. The sensor session is opened before the first
// frame and closed after the last, including on error.
//
// Dependency rule: L1 depends only on L2 (the handoff it writes into).
package l1capture
