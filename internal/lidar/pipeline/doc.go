// Package pipeline runs a capture session: it drives the capture
// coordinator and the frame processor over one shared frame buffer.
//
// The Processor is the consumer side. For each published frame it takes a
// private copy, runs the enabled reducers from l3grid and hands the results
// to an artifact sink and, optionally, the frame catalog. RunSession owns
// the buffer for the lifetime of a session and releases it on every path.
package pipeline
