package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/gophtransfer/internal/flagx"
	"github.com/dmitrijs2005/gophtransfer/internal/timex"
	"gopkg.in/yaml.v3"
)

// FileConfig is a DTO used exclusively for decoding config files. Pointer
// fields distinguish "absent" from "zero" so a file only overrides what it
// sets.
type FileConfig struct {
	Store    *StoreSection    `json:"store" yaml:"store"`
	S3       *S3Section       `json:"s3" yaml:"s3"`
	Transfer *TransferSection `json:"transfer" yaml:"transfer"`
	LogLevel *string          `json:"log_level" yaml:"log_level"`
}

type StoreSection struct {
	Driver *string `json:"driver" yaml:"driver"`
	Path   *string `json:"path" yaml:"path"`
}

type S3Section struct {
	Endpoint      *string         `json:"endpoint" yaml:"endpoint"`
	Region        *string         `json:"region" yaml:"region"`
	Bucket        *string         `json:"bucket" yaml:"bucket"`
	AccessKey     *string         `json:"access_key" yaml:"access_key"`
	SecretKey     *string         `json:"secret_key" yaml:"secret_key"`
	PathStyle     *bool           `json:"path_style" yaml:"path_style"`
	PresignTTL    *timex.Duration `json:"presign_ttl" yaml:"presign_ttl"`
	StagingPrefix *string         `json:"staging_prefix" yaml:"staging_prefix"`
	DedupPrefix   *string         `json:"dedup_prefix" yaml:"dedup_prefix"`
	HTTPTimeout   *timex.Duration `json:"http_timeout" yaml:"http_timeout"`
}

type TransferSection struct {
	PartSize                    *int64          `json:"part_size" yaml:"part_size"`
	MultipartThreshold          *int64          `json:"multipart_threshold" yaml:"multipart_threshold"`
	Concurrency                 *int            `json:"concurrency" yaml:"concurrency"`
	SigningWindow               *int            `json:"signing_window" yaml:"signing_window"`
	RenewMargin                 *timex.Duration `json:"renew_margin" yaml:"renew_margin"`
	QuickUpload                 *bool           `json:"quick_upload" yaml:"quick_upload"`
	QuickUploadThreshold        *int64          `json:"quick_upload_threshold" yaml:"quick_upload_threshold"`
	BackgroundChecksumThreshold *int64          `json:"background_checksum_threshold" yaml:"background_checksum_threshold"`
	VerifyDownload              *bool           `json:"verify_download" yaml:"verify_download"`
}

// parseFile overlays cfg with the file named by -c/-config in args. No flag
// means no file and is not an error.
func parseFile(cfg *Config, args []string) error {
	path := flagx.ConfigFileFlag(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	fc, err := decodeFile(path, []byte(os.ExpandEnv(string(data))))
	if err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}

	fc.apply(cfg)
	return nil
}

func decodeFile(path string, data []byte) (*FileConfig, error) {
	var fc FileConfig

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, err
		}
	case ".json", "":
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}

	return &fc, nil
}

func (fc *FileConfig) apply(cfg *Config) {
	if s := fc.Store; s != nil {
		setString(&cfg.StoreDriver, s.Driver)
		setString(&cfg.StorePath, s.Path)
	}

	if s := fc.S3; s != nil {
		setString(&cfg.S3Endpoint, s.Endpoint)
		setString(&cfg.S3Region, s.Region)
		setString(&cfg.S3Bucket, s.Bucket)
		setString(&cfg.S3AccessKey, s.AccessKey)
		setString(&cfg.S3SecretKey, s.SecretKey)
		setString(&cfg.StagingPrefix, s.StagingPrefix)
		setString(&cfg.DedupPrefix, s.DedupPrefix)
		if s.PathStyle != nil {
			cfg.S3PathStyle = *s.PathStyle
		}
		if s.PresignTTL != nil {
			cfg.PresignTTL = s.PresignTTL.Duration
		}
		if s.HTTPTimeout != nil {
			cfg.HTTPTimeout = s.HTTPTimeout.Duration
		}
	}

	if t := fc.Transfer; t != nil {
		if t.PartSize != nil {
			cfg.PartSize = *t.PartSize
		}
		if t.MultipartThreshold != nil {
			cfg.MultipartThreshold = *t.MultipartThreshold
		}
		if t.Concurrency != nil {
			cfg.Concurrency = *t.Concurrency
		}
		if t.SigningWindow != nil {
			cfg.SigningWindow = *t.SigningWindow
		}
		if t.RenewMargin != nil {
			cfg.RenewMargin = t.RenewMargin.Duration
		}
		if t.QuickUpload != nil {
			cfg.QuickUpload = *t.QuickUpload
		}
		if t.QuickUploadThreshold != nil {
			cfg.QuickUploadThreshold = *t.QuickUploadThreshold
		}
		if t.BackgroundChecksumThreshold != nil {
			cfg.BackgroundChecksumThreshold = *t.BackgroundChecksumThreshold
		}
		if t.VerifyDownload != nil {
			cfg.VerifyDownload = *t.VerifyDownload
		}
	}

	setString(&cfg.LogLevel, fc.LogLevel)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
