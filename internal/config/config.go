package config

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophtransfer/internal/common"
)

const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"

	// MaxSigningWindow is the largest number of part signatures the
	// metadata service grants per request.
	MaxSigningWindow = 100
)

// Config holds runtime settings for the gtransfer CLI and engine.
type Config struct {
	StoreDriver string
	StorePath   string

	S3Endpoint    string
	S3Region      string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string
	S3PathStyle   bool
	PresignTTL    time.Duration
	StagingPrefix string
	DedupPrefix   string
	HTTPTimeout   time.Duration

	PartSize                    int64
	MultipartThreshold          int64
	Concurrency                 int
	SigningWindow               int
	RenewMargin                 time.Duration
	QuickUpload                 bool
	QuickUploadThreshold        int64
	BackgroundChecksumThreshold int64
	VerifyDownload              bool

	LogLevel string
}

// LoadDefaults populates c with built-in defaults.
func (c *Config) LoadDefaults() {
	c.StoreDriver = DriverSQLite
	c.StorePath = "gtransfer.db"

	c.S3Endpoint = ""
	c.S3Region = "us-east-1"
	c.S3Bucket = ""
	c.S3PathStyle = true
	c.PresignTTL = 15 * time.Minute
	c.StagingPrefix = ".uploads/"
	c.DedupPrefix = ".dedup/"
	c.HTTPTimeout = 0

	c.PartSize = 8 * common.MiB
	c.MultipartThreshold = 16 * common.MiB
	c.Concurrency = 2
	c.SigningWindow = MaxSigningWindow
	c.RenewMargin = time.Minute
	c.QuickUpload = true
	c.QuickUploadThreshold = common.MiB
	c.BackgroundChecksumThreshold = 64 * common.MiB
	c.VerifyDownload = true

	c.LogLevel = "info"
}

// LoadConfig applies defaults, then the config file named by -c/-config (if
// any), then the flags in args. It returns the settings and the positional
// arguments that follow the flags.
func LoadConfig(args []string) (*Config, []string, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if err := parseFile(cfg, args); err != nil {
		return nil, nil, err
	}

	rest, err := parseFlags(cfg, args)
	if err != nil {
		return nil, nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return cfg, rest, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch {
	case c.StoreDriver != DriverSQLite && c.StoreDriver != DriverBolt:
		return fmt.Errorf("%w: unknown store driver %q", common.ErrInvalidConfig, c.StoreDriver)
	case c.StorePath == "":
		return fmt.Errorf("%w: store path is empty", common.ErrInvalidConfig)
	case c.PartSize <= 0:
		return fmt.Errorf("%w: part size must be positive", common.ErrInvalidConfig)
	case c.MultipartThreshold < c.PartSize:
		return fmt.Errorf("%w: multipart threshold %d is below part size %d", common.ErrInvalidConfig, c.MultipartThreshold, c.PartSize)
	case c.Concurrency <= 0:
		return fmt.Errorf("%w: concurrency must be positive", common.ErrInvalidConfig)
	case c.SigningWindow <= 0 || c.SigningWindow > MaxSigningWindow:
		return fmt.Errorf("%w: signing window must be within 1..%d", common.ErrInvalidConfig, MaxSigningWindow)
	case c.RenewMargin < 0:
		return fmt.Errorf("%w: renew margin is negative", common.ErrInvalidConfig)
	case c.PresignTTL <= c.RenewMargin:
		return fmt.Errorf("%w: presign ttl must exceed renew margin", common.ErrInvalidConfig)
	}
	return nil
}
