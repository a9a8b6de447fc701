// Package watcher delivers debounced filesystem change notifications.
//
// Events are coalesced per watched path: a burst of writes inside a watched
// directory produces one callback carrying the last change seen. Callers
// should treat a callback as a signal to reload, not as an exact change log.
package watcher
