// Package livelog streams agent activity to live subscribers.
//
// A Registry groups subscriber connections by channel (a project id), admits
// them up to a per-channel cap and fans events out to every subscriber of a
// channel. Registration tables are mutated under a single mutex; delivery runs
// outside it, one goroutine per subscriber, and a subscriber whose delivery
// fails is unregistered and closed without affecting the others.
package livelog
