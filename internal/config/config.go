// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Editions a build can target. Licensed builds run every parser, open builds
// skip the ones whose upstream data cannot be redistributed.
const (
	EditionOpen     = "open"
	EditionLicensed = "licensed"
)

// Config holds the entire application configuration. It is loaded once and then
// passed by pointer into every component constructor; nothing mutates it afterwards.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	DB          DBConfig          `mapstructure:"db" yaml:"db"`
	Sources     SourcesConfig     `mapstructure:"sources" yaml:"sources"`
	Collections CollectionsConfig `mapstructure:"collections" yaml:"collections"`
	Cleanup     CleanupConfig     `mapstructure:"cleanup" yaml:"cleanup"`
	Export      ExportConfig      `mapstructure:"export" yaml:"export"`
	Promotion   PromotionConfig   `mapstructure:"promotion" yaml:"promotion"`
	Embeddings  EmbeddingsConfig  `mapstructure:"embeddings" yaml:"embeddings"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=console json"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DBConfig describes the staging and serving databases and the containers they run in.
type DBConfig struct {
	Version       string            `mapstructure:"version" yaml:"version" validate:"required,oneof=open licensed"`
	RootDirectory string            `mapstructure:"root_directory" yaml:"root_directory" validate:"required"`
	MongoDB       string            `mapstructure:"mongo_db" yaml:"mongo_db" validate:"required"`
	BatchSize     int               `mapstructure:"batch_size" yaml:"batch_size" validate:"gt=0"`
	VolumeRoot    string            `mapstructure:"volume_root" yaml:"volume_root" validate:"required"`
	Network       string            `mapstructure:"network" yaml:"network" validate:"required"`
	Images        ImagesConfig      `mapstructure:"images" yaml:"images"`
	StopTimeout   time.Duration     `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	StopSettle    time.Duration     `mapstructure:"stop_settle" yaml:"stop_settle"`
	Dev           EnvironmentConfig `mapstructure:"dev" yaml:"dev"`
	Live          EnvironmentConfig `mapstructure:"live" yaml:"live"`
}

// ImagesConfig pins the container images used for each environment.
type ImagesConfig struct {
	Neo4j   string `mapstructure:"neo4j" yaml:"neo4j" validate:"required"`
	Mongo   string `mapstructure:"mongo" yaml:"mongo" validate:"required"`
	Express string `mapstructure:"express" yaml:"express"`
}

// EnvironmentConfig holds the per-environment container names and port assignments.
type EnvironmentConfig struct {
	ContainerName        string `mapstructure:"container_name" yaml:"container_name" validate:"required"`
	ExpressContainerName string `mapstructure:"express_container_name" yaml:"express_container_name"`
	Host                 string `mapstructure:"host" yaml:"host" validate:"required"`
	MongoPort            int    `mapstructure:"mongo_port" yaml:"mongo_port" validate:"min=1,max=65535"`
	ExpressPort          int    `mapstructure:"express_port" yaml:"express_port" validate:"omitempty,min=1,max=65535"`
	Neo4jHTTPPort        int    `mapstructure:"neo4j_http_port" yaml:"neo4j_http_port" validate:"min=1,max=65535"`
	Neo4jBoltPort        int    `mapstructure:"neo4j_bolt_port" yaml:"neo4j_bolt_port" validate:"min=1,max=65535"`
	// ExposePorts binds published ports on all interfaces instead of loopback.
	ExposePorts bool `mapstructure:"expose_ports" yaml:"expose_ports"`
}

// MongoURI returns the connection string for the environment's document store.
func (e EnvironmentConfig) MongoURI() string {
	return fmt.Sprintf("mongodb://%s:%d", e.Host, e.MongoPort)
}

// BoltURI returns the connection string for the environment's graph store.
func (e EnvironmentConfig) BoltURI() string {
	return fmt.Sprintf("bolt://%s:%d", e.Host, e.Neo4jBoltPort)
}

// SourcesConfig configures version probing and downloading of upstream data.
type SourcesConfig struct {
	Directory            string                  `mapstructure:"directory" yaml:"directory" validate:"required"`
	DefaultVersion       string                  `mapstructure:"default_version" yaml:"default_version" validate:"required"`
	ForceVersionOverride bool                    `mapstructure:"force_version_override" yaml:"force_version_override"`
	ProbeConcurrency     int                     `mapstructure:"probe_concurrency" yaml:"probe_concurrency" validate:"gt=0"`
	Ignored              []string                `mapstructure:"ignored" yaml:"ignored"`
	HTTP                 HTTPConfig              `mapstructure:"http" yaml:"http"`
	Entries              map[string]SourceConfig `mapstructure:"entries" yaml:"entries" validate:"dive"`
}

// HTTPConfig tunes the fetcher shared by probes and downloads.
type HTTPConfig struct {
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries    int           `mapstructure:"retries" yaml:"retries" validate:"gt=0"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	// RateLimit is requests per second across all sources; zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	UserAgent string  `mapstructure:"user_agent" yaml:"user_agent"`
}

// SourceConfig is one upstream database.
type SourceConfig struct {
	VersionURL     string       `mapstructure:"version_url" yaml:"version_url" validate:"omitempty,url"`
	VersionPattern string       `mapstructure:"version_pattern" yaml:"version_pattern"`
	VersionMode    string       `mapstructure:"version_mode" yaml:"version_mode" validate:"omitempty,oneof=date dotted"`
	SkipDigits     int          `mapstructure:"skip_digits" yaml:"skip_digits" validate:"gte=0"`
	Version        string       `mapstructure:"version" yaml:"version"`
	Username       string       `mapstructure:"username" yaml:"username"`
	Password       string       `mapstructure:"password" yaml:"password"`
	Files          []FileConfig `mapstructure:"files" yaml:"files" validate:"dive"`
}

// FileConfig is one file belonging to a source.
type FileConfig struct {
	URL      string `mapstructure:"url" yaml:"url" validate:"required"`
	Filename string `mapstructure:"filename" yaml:"filename"`
	// Key is how parsers refer to the file; defaults to the filename.
	Key string `mapstructure:"key" yaml:"key"`
	// Validator is one of "nonempty", "gzip" or "columns:<n>".
	Validator string `mapstructure:"validator" yaml:"validator"`
	// Extract names a member of a zip archive that replaces the downloaded file.
	Extract string `mapstructure:"extract" yaml:"extract"`
}

// Name returns the local filename for the file, falling back to the last URL segment.
func (f FileConfig) Name() string {
	if f.Filename != "" {
		return f.Filename
	}
	u := f.URL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return u[strings.LastIndex(u, "/")+1:]
}

// Lookup returns the key parsers use for the file.
func (f FileConfig) Lookup() string {
	if f.Key != "" {
		return f.Key
	}
	return f.Name()
}

// CollectionsConfig lists the staged collections that are profiled and exported.
type CollectionsConfig struct {
	Nodes []string `mapstructure:"nodes" yaml:"nodes"`
	Edges []string `mapstructure:"edges" yaml:"edges"`
}

// All returns node collections followed by edge collections.
func (c CollectionsConfig) All() []string {
	out := make([]string, 0, len(c.Nodes)+len(c.Edges))
	out = append(out, c.Nodes...)
	return append(out, c.Edges...)
}

// CleanupConfig configures post-integration pruning.
type CleanupConfig struct {
	Trim []TrimRule `mapstructure:"trim" yaml:"trim" validate:"dive"`
}

// TrimRule removes overly generic ontology terms and the edges pointing at them.
type TrimRule struct {
	Collection         string   `mapstructure:"collection" yaml:"collection" validate:"required"`
	IDs                []string `mapstructure:"ids" yaml:"ids" validate:"min=1"`
	Hierarchy          string   `mapstructure:"hierarchy" yaml:"hierarchy"`
	IncludeDescendants bool     `mapstructure:"include_descendants" yaml:"include_descendants"`
}

// ExportConfig configures the staging to serving handoff.
type ExportConfig struct {
	ImportDir         string        `mapstructure:"import_dir" yaml:"import_dir" validate:"required"`
	ArrayDelimiter    string        `mapstructure:"array_delimiter" yaml:"array_delimiter" validate:"len=1"`
	StrictTypes       bool          `mapstructure:"strict_types" yaml:"strict_types"`
	DropDanglingEdges bool          `mapstructure:"drop_dangling_edges" yaml:"drop_dangling_edges"`
	ChownSettle       time.Duration `mapstructure:"chown_settle" yaml:"chown_settle"`
	ImportSettle      time.Duration `mapstructure:"import_settle" yaml:"import_settle"`
	HeapSize          string        `mapstructure:"heap_size" yaml:"heap_size"`
	PageCache         string        `mapstructure:"pagecache" yaml:"pagecache"`
}

// PromotionConfig controls how dev becomes live.
type PromotionConfig struct {
	KeepPreviousLive bool          `mapstructure:"keep_previous_live" yaml:"keep_previous_live"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout" yaml:"health_timeout"`
}

// EmbeddingsConfig configures the optional vector embedding step.
type EmbeddingsConfig struct {
	CapabilitiesFile string        `mapstructure:"capabilities_file" yaml:"capabilities_file"`
	SnapshotFile     string        `mapstructure:"snapshot_file" yaml:"snapshot_file"`
	Model            string        `mapstructure:"model" yaml:"model"`
	Dimensions       int           `mapstructure:"dimensions" yaml:"dimensions" validate:"gte=0"`
	APIKey           string        `mapstructure:"api_key" yaml:"api_key"`
	BatchSize        int           `mapstructure:"batch_size" yaml:"batch_size" validate:"gte=0"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	IndexTimeout     time.Duration `mapstructure:"index_timeout" yaml:"index_timeout"`
	// Endpoint is the base URL of an OpenAI-compatible embedding API; empty uses OpenAI.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" validate:"omitempty,url"`
}

// DefaultNodeCollections and DefaultEdgeCollections mirror the model registry.
var (
	DefaultNodeCollections = []string{"disorder", "gene", "protein", "tissue"}
	DefaultEdgeCollections = []string{
		"disorder_is_subtype_of_disorder",
		"gene_associated_with_disorder",
		"gene_expressed_in_tissue",
		"protein_encoded_by_gene",
		"protein_interacts_with_protein",
	}
)

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "helix")
	v.SetDefault("logger.log_file", "helix.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Databases --
	v.SetDefault("db.version", EditionOpen)
	v.SetDefault("db.root_directory", "~/helix")
	v.SetDefault("db.mongo_db", "helix")
	v.SetDefault("db.batch_size", 1000)
	v.SetDefault("db.volume_root", "helix")
	v.SetDefault("db.network", "helix_default")
	v.SetDefault("db.images.neo4j", "neo4j:5.26-enterprise")
	v.SetDefault("db.images.mongo", "mongo:7.0")
	v.SetDefault("db.images.express", "mongo-express:1.0.2")
	v.SetDefault("db.stop_timeout", "20m")
	v.SetDefault("db.stop_settle", "5s")

	v.SetDefault("db.dev.container_name", "helix_dev")
	v.SetDefault("db.dev.express_container_name", "helix_dev_express")
	v.SetDefault("db.dev.host", "localhost")
	v.SetDefault("db.dev.mongo_port", 27018)
	v.SetDefault("db.dev.express_port", 8082)
	v.SetDefault("db.dev.neo4j_http_port", 7475)
	v.SetDefault("db.dev.neo4j_bolt_port", 7688)

	v.SetDefault("db.live.container_name", "helix_live")
	v.SetDefault("db.live.express_container_name", "helix_live_express")
	v.SetDefault("db.live.host", "localhost")
	v.SetDefault("db.live.mongo_port", 27017)
	v.SetDefault("db.live.express_port", 8081)
	v.SetDefault("db.live.neo4j_http_port", 7474)
	v.SetDefault("db.live.neo4j_bolt_port", 7687)

	// -- Sources --
	v.SetDefault("sources.directory", "downloads")
	v.SetDefault("sources.default_version", "0.0.0")
	v.SetDefault("sources.force_version_override", false)
	v.SetDefault("sources.probe_concurrency", 4)
	v.SetDefault("sources.http.timeout", "30m")
	v.SetDefault("sources.http.retries", 3)
	v.SetDefault("sources.http.retry_delay", "30s")
	v.SetDefault("sources.http.rate_limit", 2.0)
	v.SetDefault("sources.http.user_agent", "helix/1.0")

	// -- Collections --
	v.SetDefault("collections.nodes", DefaultNodeCollections)
	v.SetDefault("collections.edges", DefaultEdgeCollections)

	// -- Export --
	v.SetDefault("export.import_dir", "/tmp/helix_import")
	v.SetDefault("export.array_delimiter", "|")
	v.SetDefault("export.strict_types", false)
	v.SetDefault("export.drop_dangling_edges", true)
	v.SetDefault("export.chown_settle", "30s")
	v.SetDefault("export.import_settle", "60s")
	v.SetDefault("export.heap_size", "4G")
	v.SetDefault("export.pagecache", "2G")

	// -- Promotion --
	v.SetDefault("promotion.keep_previous_live", false)
	v.SetDefault("promotion.health_timeout", "5m")

	// -- Embeddings --
	v.SetDefault("embeddings.capabilities_file", "embeddings.yaml")
	v.SetDefault("embeddings.snapshot_file", "embeddings_snapshot.json")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.dimensions", 1536)
	v.SetDefault("embeddings.batch_size", 500)
	v.SetDefault("embeddings.poll_interval", "10s")
	v.SetDefault("embeddings.index_timeout", "2h")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("embeddings.api_key", "HELIX_EMBEDDINGS_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	root, err := homedir.Expand(cfg.DB.RootDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to expand db.root_directory: %w", err)
	}
	cfg.DB.RootDirectory = root

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.DB.Dev.ContainerName == c.DB.Live.ContainerName {
		return fmt.Errorf("db.dev.container_name and db.live.container_name must differ")
	}
	if c.DB.Dev.MongoPort == c.DB.Live.MongoPort || c.DB.Dev.Neo4jBoltPort == c.DB.Live.Neo4jBoltPort {
		return fmt.Errorf("dev and live environments must not share ports")
	}
	for name, src := range c.Sources.Entries {
		if src.VersionURL != "" && src.VersionPattern == "" {
			return fmt.Errorf("sources.entries.%s: version_url requires version_pattern", name)
		}
	}
	return nil
}

// DownloadDir returns the directory holding the downloaded file cache.
func (c *Config) DownloadDir() string {
	if filepath.IsAbs(c.Sources.Directory) {
		return c.Sources.Directory
	}
	return filepath.Join(c.DB.RootDirectory, c.Sources.Directory)
}

// Environment returns the configuration block for "dev" or "live".
func (c *Config) Environment(name string) (EnvironmentConfig, error) {
	switch name {
	case "dev":
		return c.DB.Dev, nil
	case "live":
		return c.DB.Live, nil
	default:
		return EnvironmentConfig{}, fmt.Errorf("unknown environment %q", name)
	}
}
