// Package config handles configuration loading for aetherbus.
//
// # Configuration File
//
// Location, in order:
//
//  1. Path from the AETHERBUS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/aetherbus/bridge.yaml
//  3. ~/.config/aetherbus/bridge.yaml
//
// # Environment Variables
//
// Values can reference environment variables, expanded before parsing:
//
//	auth:
//	  signing_secret: "${AETHERBUS_SECRET}"
//
// After parsing, AETHERBUS_* variables override individual fields
// (AETHERBUS_LOG_URL, AETHERBUS_AGENT, AETHERBUS_TURN_TIMEOUT, ...).
//
// # Durations
//
// Duration values use Go's time.ParseDuration syntax ("800ms", "2m").
//
// # Sections
//
//	log:
//	  url: "redis://localhost:6379/0"   # or memory://
//	  stream_maxlen: 10000
//	  retry:
//	    max_attempts: 5
//	    initial_delay: "100ms"
//	    max_delay: "2s"
//	namespace:
//	  prefix: "AG1"
//	agents:
//	  self: "claude"
//	  registry_path: "/etc/aetherbus/agents.json"
//	delegation:
//	  timeout: "30s"
//	  poll_interval: "800ms"
//	  max_attempts: 1
//	consumer:
//	  group: "bridge"
//	  workers: 4
//	  max_deliveries: 3
//	  claim_idle: "3m"
//	bridge:
//	  command: "claude"
//	  args: ["--session", "{session}", "--transcript", "{transcript}"]
//	  transcript_dir: "/var/lib/aetherbus/transcripts"
//	  turn_timeout: "2m"
//	  idle_timeout: "30m"
//	  allowed_roles: ["user"]
//	database:
//	  path: "/var/lib/aetherbus/bridge.db"
//	auth:
//	  signing_secret: "${AETHERBUS_SECRET}"
//	  jwt_secret: "${AETHERBUS_JWT_SECRET}"
//	server:
//	  http_addr: "127.0.0.1:8090"
//	  grpc_addr: "127.0.0.1:50061"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Validate reports the first problem found. ValidateBridge adds the fields
// only the bridge daemon needs.
package config
