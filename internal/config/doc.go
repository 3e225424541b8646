// Package config handles configuration loading for dispatch-hub and dispatch-agent.
//
// # Overview
//
// The hub reads YAML, the agent reads TOML. Both expand environment
// variables, parse duration strings, apply defaults and validate.
//
// # Configuration Files
//
// Hub config locations (in order):
//
//  1. Path from DISPATCH_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven-dispatch/hub.yaml
//  3. ~/.config/coven-dispatch/hub.yaml
//
// Agent config locations (in order):
//
//  1. Path from DISPATCH_AGENT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven-dispatch/agent.toml
//  3. ~/.config/coven-dispatch/agent.toml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${DISPATCH_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Hub Sections
//
//	server:
//	  http_addr: "127.0.0.1:8420"
//	tailscale:
//	  enabled: false
//	  hostname: "dispatch"
//	database:
//	  driver: "sqlite"        # or sqlite3 (cgo)
//	  path: "~/.local/share/coven-dispatch/hub.db"
//	auth:
//	  jwt_secret: "${DISPATCH_JWT_SECRET}"
//	queue:
//	  task_ttl: "168h"
//	  lease_ttl: "5m"
//	  dispatch_interval: "1s"
//	  reap_interval: "30s"
//	  ping_interval: "30s"
//	  max_in_flight: 4
//	migration:
//	  task_ttl: "168h"
//	  min_lease_ttl: "60s"
//	breaker:
//	  failure_threshold: 5
//	  reset_timeout: "30s"
//	  success_threshold: 2
//	logging:
//	  level: "info"           # debug, info, warn, error
//	  format: "text"          # text, json
//
// # Agent File
//
//	hub_url = "ws://127.0.0.1:8420/agent/connect"
//	token = "${DISPATCH_AGENT_TOKEN}"
//
//	[agent]
//	id = "build-box"
//	capabilities = ["generic-command", "version-control-command"]
//
//	[executor]
//	timeout = "5m"
//	shell = "/bin/sh"
//
//	[monitor]
//	repositories = ["/srv/app"]
//	poll_interval = "30s"    # "off" disables polling
//
//	[reconnect]
//	delay = "5s"
//	exponential = true
//	max_delay = "2m"
//	jitter = 0.2
package config
