// Package guard contains the domain model of the alarm device:
// monitored triggers and the per-recipient outcome of an alert dispatch.
package guard
