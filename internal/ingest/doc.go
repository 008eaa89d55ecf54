// Package ingest feeds new video files into the analyzer queue.
//
// A Watcher scans the configured watch directories once at start and then
// follows fsnotify events. Files are enqueued only after they have been quiet
// for the settle window so partially copied sources are not picked up.
package ingest
