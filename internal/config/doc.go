// Package config loads connmux configuration files.
//
// The file is connmux.json, connmux.yaml, connmux.yml or connmux.toml in
// the working directory, or any path given with --config. All formats use
// the same keys; YAML and TOML are converted to JSON before decoding, and
// unknown keys are rejected.
//
// # Configuration File Structure
//
//	server:
//	  address: ":8080"
//	  path: /socket
//	  maxSockets: 1000
//	  trustedProxies: ["10.0.0.0/8"]
//	  shutdownTimeout: 30s
//	  metrics: true
//	transport:
//	  writeTimeout: 10s
//	  readTimeout: 60s
//	  pingInterval: 30s
//	  maxMessageSize: 1048576
//	auth:
//	  tokens: ["secret"]
//	archive:
//	  bucket: connmux-events
//	  region: us-east-1
//	log:
//	  level: info
//	  format: json
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config
