// Package l2frames owns Layer 2 (Frames) of the snow-measurement data model.
//
// Responsibilities: the fixed-capacity shared point buffer, the three-flag
// single-slot handoff between the capture goroutine and the processing
// goroutine, and the private Frame snapshot the processor works on.
// Key types: Point, Frame, Handoff, FrameWriter, Event.
//
// Handoff states (three-flag view):
//
//	IDLE      consumer-idle=1 frame-ready=0
//	PRODUCING consumer-idle=0 frame-ready=0
//	READY     frame-ready=1
//	COPYING   not-copying=0
//
// Dependency rule: L2 may depend on L1, but never on L3+.
package l2frames
