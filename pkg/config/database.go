package config

import "fmt"

// PostgresConfig holds PostgreSQL configuration for the agent store
type PostgresConfig struct {
	Host     string `env:"DELEGATION_PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"DELEGATION_PG_PORT" env-default:"5432"`
	Database string `env:"DELEGATION_PG_DATABASE" env-default:"delegation_db"`
	User     string `env:"DELEGATION_PG_USER" env-default:"delegation"`
	Password string `env:"DELEGATION_PG_PASSWORD" env-default:"pwd"`
	Schema   string `env:"DELEGATION_PG_SCHEMA" env-default:"public"`
}

// ToDatabaseURL converts the config to a PostgreSQL connection URL
func (d PostgresConfig) ToDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s,public",
		d.User, d.Password, d.Host, d.Port, d.Database, d.Schema)
}

// RedisConfig holds the Redis connection used by the revocation store
type RedisConfig struct {
	URL       string `env:"REDIS_URL" env-default:"redis://localhost:6379/0"`
	Password  string `env:"REDIS_PASSWORD" env-default:""`
	KeyPrefix string `env:"REDIS_KEY_PREFIX" env-default:"delegation:revoked:"`
	PoolSize  int    `env:"REDIS_POOL_SIZE" env-default:"10"`
}
