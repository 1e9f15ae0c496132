// Package config provides configuration management for the studyvoice client.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. The file lives at ~/.studyvoice/config.yaml and is
// created with defaults on first use.
//
// # Environment Variables
//
// Every value can be overridden with the STUDYVOICE_ prefix. Nested fields
// are separated by underscores.
//
// Examples:
//   - STUDYVOICE_TRANSPORT_URL=ws://tutor.local:8765/ws/voice
//   - STUDYVOICE_SESSION_USERNAME=ada
//   - STUDYVOICE_INTERRUPTION_ENERGY_THRESHOLD=0.03
//   - STUDYVOICE_LOGGING_LEVEL=debug
//
// # Hot Reload
//
// Watch re-reads the file whenever it is written. The run command uses it to
// re-tune barge-in thresholds without restarting a session.
package config
