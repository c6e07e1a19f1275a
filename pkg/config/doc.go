/*
Package config defines and validates the consensus node configuration.

All timing, sizing and retry knobs live in one Config struct with defaults
suitable for LAN clusters. Validation enforces the cross-field rules the
protocol depends on — most importantly election_timeout_min >= 3x
heartbeat_interval, so a healthy leader always gets several heartbeats into
every follower's election window.

LoadFile reads the YAML surface, where durations are strings like "150ms".
*/
package config
