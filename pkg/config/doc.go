/*
Package config loads and validates Maestro's configuration.

Configuration is an explicit struct tree: every tunable is a named field
with a documented default, YAML-addressable, and overridable through
MAESTRO_* environment variables. Precedence is defaults < file < env.

# Defaults

	server:
	  listen_addr: ":8080"        # caller + callback surface
	  ops_addr: ":9090"           # /health /ready /metrics
	  public_url: "http://localhost:8080"
	  allowed_origins: ["*"]
	log:
	  level: info
	  json: true
	storage:
	  backend: memory             # or bolt
	  data_dir: /var/lib/maestro
	registry:
	  probe_interval: 60s
	  health_ttl: 60s
	  probe_timeout: 10s
	  min_probe_spacing: 5s
	  probe_concurrency: 8
	  offline_threshold: 3
	router:
	  cache_ttl: 5m
	  score_floor: 0.2
	  decision_buffer: 1000
	  gate_heavy_to_user_compute: true
	jobs:
	  max_concurrent: 10
	  max_attempts: 3
	  backoff_base: 1s
	  backoff_cap: 60s
	  default_deadline: 5m
	  retention_interval: 1h
	results:
	  inline_threshold: 65536     # bytes
	  cache_size: 1000
	  cache_ttl: 1h
	  retention: 720h
	  blob_backend: memory        # or filesystem, redis
	envelope:
	  issuer: maestro
	  ttl: 15m
	  clock_skew: 60s

# Validation

Load rejects configurations that violate hard bounds: max_attempts outside
1..10, envelope TTL above 15 minutes, score floor outside [0,1], backoff
cap below base, unknown backends, and missing backend-specific settings.

# Durations

Duration fields accept Go duration strings ("60s", "5m", "720h") in YAML
via the config.Duration wrapper.
*/
package config
