// Package config loads and validates the delegation engine configuration.
//
// Values come from the process environment (optionally seeded from a .env
// file) and are bound with cleanenv struct tags. JWT_SECRET has no default:
// a missing or short secret makes Load fail, and the binary treats that as
// fatal.
//
//	cfg, err := config.Load()
//	if err != nil {
//		slog.Error("Invalid configuration", "error", err)
//		os.Exit(1)
//	}
package config
