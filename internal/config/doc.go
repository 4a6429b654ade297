// Package config loads the gateway configuration from a YAML file.
//
// The config file is looked up in order:
//
//  1. the path in the DEEPSTUDY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/deepstudy/gateway.yaml
//  3. ~/.config/deepstudy/gateway.yaml
//
// Values may reference environment variables with ${VAR} syntax, expanded
// before parsing, and duration fields accept Go duration strings:
//
//	auth:
//	  jwt_secret: "${DEEPSTUDY_JWT_SECRET}"
//	  token_ttl: "24h"
//	  disabled: false   # true skips auth entirely (single-user mode)
//
// The remaining sections:
//
//	server:
//	  http_addr: "localhost:8080"
//
//	database:
//	  path: "~/.local/share/deepstudy/deepstudy.db"
//
//	model:
//	  api_key: "${GEMINI_API_KEY}"  # empty selects the offline provider
//	  model: "gemini-2.5-flash"
//	  coder_model: "gemini-2.5-pro" # used for code-intent questions
//	  temperature: 0.7
//	  max_output_tokens: 8192
//	  request_timeout: "2m"
//
//	limits:
//	  max_tree_depth: 10
//	  max_context_nodes: 10
//	  dedupe_ttl: "30s"
//	  dedupe_size: 10000
//
//	tailscale:
//	  enabled: false
//	  hostname: "deepstudy"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: false    # serve HTTPS inside the tailnet
//	  funnel: false   # expose publicly via funnel
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Missing optional values get defaults from applyDefaults; Validate rejects
// a config the gateway could not start with.
package config
