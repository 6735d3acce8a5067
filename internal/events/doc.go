// Package events provides the in-process publish/subscribe bus for
// taskd lifecycle and progress notifications.
//
// The bus keeps a bounded ring buffer of recent events for late
// observers. Publishing never blocks on a slow subscriber; a full
// subscriber channel drops the oldest queued event.
//
// Bus instances are injected explicitly. There is no package-level
// shared bus and no global reset; tests construct their own.
package events
