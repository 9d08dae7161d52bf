package config

import (
	"os"
	"strings"

	"icatkit/internal/dumpfile"
	"icatkit/internal/ids"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix         = "ICAT"
	DefaultConfigFile = "icat.yaml"
)

type Config struct {
	URL      string
	Auth     string
	Username string
	Password string
	// H2C talks HTTP/2 without TLS to the catalogue.
	H2C bool

	Format    string
	ChunkSize int
	Duplicate dumpfile.DuplicatePolicy
	Upload    ids.UploadPolicy
	UploadDir string
	// Progress is a journal file path or a postgres DSN. Empty disables resume.
	Progress string
	Schema   string

	IDS IDSConfig
	Log LogConfig
}

type IDSConfig struct {
	URL       string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

type LogConfig struct {
	Level string
	Mode  string
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"url":            "url",
	"auth":           "auth",
	"user":           "username",
	"pass":           "password",
	"h2c":            "h2c",
	"format":         "format",
	"chunksize":      "chunksize",
	"duplicate":      "duplicate",
	"upload":         "upload",
	"uploaddir":      "uploaddir",
	"progress":       "progress",
	"schema":         "schema",
	"idsurl":         "idsurl",
	"ids-bucket":     "ids.bucket",
	"ids-access-key": "ids.access_key",
	"ids-secret-key": "ids.secret_key",
	"ids-region":     "ids.region",
	"ids-ssl":        "ids.use_ssl",
	"log-level":      "log.level",
	"log-mode":       "log.mode",
}

// New returns a viper instance with defaults and environment binding. Keys
// read from the environment use the ICAT_ prefix with dots replaced by
// underscores, e.g. ICAT_IDS_BUCKET.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("auth", "simple")
	v.SetDefault("format", "YAML")
	v.SetDefault("chunksize", 100)
	v.SetDefault("duplicate", "THROW")
	v.SetDefault("upload", "NONE")
	v.SetDefault("ids.bucket", "icat-ids")
	v.SetDefault("ids.region", "us-east-1")
	v.SetDefault("ids.use_ssl", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.mode", "production")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// AddFlags registers the options shared by all commands.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("configfile", "", "configuration file (default "+DefaultConfigFile+" if present)")
	fs.String("configsection", "", "section of the configuration file to use")
	fs.StringP("url", "w", "", "URL of the catalogue service")
	fs.StringP("auth", "a", "", "authentication plugin")
	fs.StringP("user", "u", "", "user name")
	fs.StringP("pass", "p", "", "password")
	fs.Bool("h2c", false, "use HTTP/2 without TLS")
	fs.StringP("format", "f", "", "document format (YAML or XML)")
	fs.String("schema", "", "schema version to assume instead of asking the server")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-mode", "", "production or development")
}

// AddStorageFlags registers the options of the binary storage service.
func AddStorageFlags(fs *pflag.FlagSet) {
	fs.String("idsurl", "", "endpoint of the storage service")
	fs.String("ids-bucket", "", "bucket holding datafile contents")
	fs.String("ids-access-key", "", "storage access key")
	fs.String("ids-secret-key", "", "storage secret key")
	fs.String("ids-region", "", "storage region")
	fs.Bool("ids-ssl", true, "use TLS for the storage service")
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	if fs == nil {
		return nil
	}
	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return errors.Wrapf(err, "config: bind flag %s", name)
			}
		}
	}
	return nil
}

func flagString(fs *pflag.FlagSet, name string) string {
	if fs == nil || fs.Lookup(name) == nil {
		return ""
	}
	s, _ := fs.GetString(name)
	return strings.TrimSpace(s)
}

// readFile merges the selected section of the configuration file into v.
// A missing default file is not an error; a missing explicit file is.
func readFile(v *viper.Viper, path, section string) error {
	explicit := path != ""
	path = firstNonEmpty(path, os.Getenv(EnvPrefix+"_CONFIGFILE"), DefaultConfigFile)
	if _, err := os.Stat(path); err != nil {
		if !explicit && os.IsNotExist(err) {
			if section != "" {
				return errors.Errorf("config: section %q requested but %s does not exist", section, path)
			}
			return nil
		}
		return errors.Wrap(err, "config: configuration file")
	}
	fv := viper.New()
	fv.SetConfigFile(path)
	if err := fv.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "config: read %s", path)
	}
	settings := fv.AllSettings()
	if section != "" {
		sub := fv.Sub(section)
		if sub == nil {
			return errors.Errorf("config: no section %q in %s", section, path)
		}
		settings = sub.AllSettings()
	}
	return errors.Wrapf(v.MergeConfigMap(settings), "config: merge %s", path)
}

// Load reads .env, the configuration file, the environment and the flags in
// increasing order of precedence.
func Load(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load()
	if v == nil {
		v = New()
	}
	if err := bindFlags(v, fs); err != nil {
		return nil, err
	}
	section := firstNonEmpty(flagString(fs, "configsection"), os.Getenv(EnvPrefix+"_CONFIGSECTION"))
	if err := readFile(v, flagString(fs, "configfile"), section); err != nil {
		return nil, err
	}

	cfg := &Config{
		URL:       strings.TrimSpace(v.GetString("url")),
		Auth:      strings.TrimSpace(v.GetString("auth")),
		Username:  v.GetString("username"),
		Password:  v.GetString("password"),
		H2C:       v.GetBool("h2c"),
		Format:    strings.ToUpper(firstNonEmpty(v.GetString("format"), "YAML")),
		ChunkSize: v.GetInt("chunksize"),
		UploadDir: firstNonEmpty(v.GetString("uploaddir"), "."),
		Progress:  strings.TrimSpace(v.GetString("progress")),
		Schema:    strings.TrimSpace(v.GetString("schema")),
		IDS: IDSConfig{
			URL:       strings.TrimSpace(v.GetString("idsurl")),
			Bucket:    strings.TrimSpace(v.GetString("ids.bucket")),
			AccessKey: strings.TrimSpace(v.GetString("ids.access_key")),
			SecretKey: strings.TrimSpace(v.GetString("ids.secret_key")),
			Region:    strings.TrimSpace(v.GetString("ids.region")),
			UseSSL:    v.GetBool("ids.use_ssl"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
			Mode:  v.GetString("log.mode"),
		},
	}
	if cfg.ChunkSize <= 0 {
		return nil, errors.Errorf("config: chunksize must be positive, got %d", cfg.ChunkSize)
	}
	var err error
	if cfg.Duplicate, err = dumpfile.ParseDuplicatePolicy(v.GetString("duplicate")); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	if cfg.Upload, err = ids.ParseUploadPolicy(v.GetString("upload")); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	return cfg, nil
}

// RequireCatalogue checks the options needed to talk to the catalogue.
func (c *Config) RequireCatalogue() error {
	if c.URL == "" {
		return errors.New("config: url of the catalogue service is required")
	}
	if c.Auth == "" {
		return errors.New("config: auth is required")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
