// Package downloads records file downloads from the church site and rolls
// them up for the admin dashboard.
//
// Events arrive one at a time through Tracker.Track, or in batches through
// Tracker.Sync when a client flushes the downloads it buffered while offline.
// Every event carries the visitor's analytics session id so downloads can be
// cross-referenced with sessions.
package downloads
