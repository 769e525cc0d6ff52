// Package config loads the bootstrap configuration of a prefstore engine.
//
// The configuration only selects where settings live and how the engine
// behaves; the settings themselves are typed values defined in code.
//
// Sources are applied with higher sources overriding lower:
//
//	┌─────────────────────────────┐
//	│  4. Environment Variables   │  ← PREFSTORE_*, highest priority
//	├─────────────────────────────┤
//	│  3. .env file               │
//	├─────────────────────────────┤
//	│  2. Config file             │  ← prefstore.toml or prefstore.yaml
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │  ← Lowest priority
//	└─────────────────────────────┘
//
// # Basic Usage
//
//	cfg, err := config.NewLoader(
//		config.WithOptionalFile(config.DefaultPath()),
//		config.WithDotEnv(".env"),
//	).Load()
//
// A file looks like:
//
//	app_name = "myapp"
//	write_delay = "500ms"
//	malformed = "error"
//
//	[backend]
//	kind = "sqlite"
//	path = "/var/lib/myapp/prefs.db"
//
//	[watch]
//	enabled = true
//	interval = "1s"
//	restart_delay = "1s"
//
//	[log]
//	level = "info"
//	format = "text"
package config
