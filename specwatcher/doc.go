// Package specwatcher produces spicepod snapshots as they change.
//
// A Watcher emits every distinct snapshot it observes, starting with the one
// present when Watch is called. Consumers are expected to skip snapshots equal
// to the one they already run. The channel closes when the watch ends, either
// because the context was cancelled or the underlying source failed.
//
// Three sources are provided:
//
//   - FileWatcher watches a spicepod directory with fsnotify, debounces bursts
//     of writes and reloads the whole pod, including ref'd component files.
//   - KVWatcher watches one key of a NATS JetStream KV bucket holding the
//     spicepod YAML.
//   - Static emits nothing and ends with its context; used when hot reload is off.
package specwatcher
