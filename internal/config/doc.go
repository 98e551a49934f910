// Package config defines device settings used by the piguard binary and provides
// helpers to load, validate and save them in YAML format.
//
// The Config type holds the serial link parameters, GPIO trigger assignments,
// alert recipients and the command retry/timeout policy. A file watcher built on
// fsnotify delivers validated configuration snapshots when the file changes, so
// recipients and the cooldown window can be adjusted without restarting.
package config
