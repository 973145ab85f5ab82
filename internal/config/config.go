package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
)

type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Schema          SchemaConfig          `mapstructure:"schema"`
	Admin           AdminConfig           `mapstructure:"admin"`
	Auth            AuthConfig            `mapstructure:"auth"`
	Instrumentation InstrumentationConfig `mapstructure:"instrumentation"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

// SchemaConfig points at a YAML entity schema. When Path is empty, entity
// definitions are read from the _entities table instead.
type SchemaConfig struct {
	Path string `mapstructure:"path"`
}

// AdminConfig tunes the admin form layer.
type AdminConfig struct {
	EmptyLabel        string `mapstructure:"empty_label"`
	ManyDelimiter     string `mapstructure:"many_delimiter"`
	FieldsParam       string `mapstructure:"fields_param"`
	PrefixPlaceholder string `mapstructure:"prefix_placeholder"`
}

type AuthConfig struct {
	JWTSecret       string `mapstructure:"jwt_secret"`
	AdminEmail      string `mapstructure:"admin_email"`
	AdminPassword   string `mapstructure:"admin_password"`
	TokenTTLMinutes int    `mapstructure:"token_ttl_minutes"`
}

type InstrumentationConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		if d.Name == ":memory:" {
			return d.Name
		}
		return filepath.Join(d.Path, d.Name+".db")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "dynchoices")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("schema.path", "")
	v.SetDefault("admin.empty_label", "---------")
	v.SetDefault("admin.many_delimiter", ",")
	v.SetDefault("admin.fields_param", "DYNAMIC_CHOICES_FIELDS")
	v.SetDefault("admin.prefix_placeholder", "__prefix__")
	v.SetDefault("auth.jwt_secret", "changeme-secret")
	v.SetDefault("auth.admin_email", "admin@localhost")
	v.SetDefault("auth.admin_password", "changeme")
	v.SetDefault("auth.token_ttl_minutes", 15)
	v.SetDefault("instrumentation.enabled", true)
}

// Load reads app.yaml from the working directory (or the given file) with
// environment overrides. A missing config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("app")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("../..")
	}
	setDefaults(v)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
