package config

import (
	"flag"
	"io"
)

// parseFlags applies command-line flags to cfg and returns the positional
// arguments that follow them.
//
// Supported flags:
//
//	-c, -config string  config file (consumed by parseFile)
//	-d string           local state database path
//	-driver string      local state driver: sqlite or bolt
//	-e string           S3 endpoint URL
//	-r string           S3 region
//	-b string           S3 bucket
//	-p int              part size in bytes
//	-t int              multipart threshold in bytes
//	-n int              concurrent part uploads
//	-q bool             quick upload negotiation
//	-verify bool        verify downloaded content
//	-l string           log level
func parseFlags(cfg *Config, args []string) ([]string, error) {
	fs := flag.NewFlagSet("gtransfer", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var ignored string
	fs.StringVar(&ignored, "c", "", "config file")
	fs.StringVar(&ignored, "config", "", "config file")

	fs.StringVar(&cfg.StorePath, "d", cfg.StorePath, "local state database path")
	fs.StringVar(&cfg.StoreDriver, "driver", cfg.StoreDriver, "local state driver (sqlite|bolt)")
	fs.StringVar(&cfg.S3Endpoint, "e", cfg.S3Endpoint, "S3 endpoint URL")
	fs.StringVar(&cfg.S3Region, "r", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3Bucket, "b", cfg.S3Bucket, "S3 bucket")
	fs.Int64Var(&cfg.PartSize, "p", cfg.PartSize, "part size in bytes")
	fs.Int64Var(&cfg.MultipartThreshold, "t", cfg.MultipartThreshold, "multipart threshold in bytes")
	fs.IntVar(&cfg.Concurrency, "n", cfg.Concurrency, "concurrent part uploads")
	fs.BoolVar(&cfg.QuickUpload, "q", cfg.QuickUpload, "negotiate quick upload")
	fs.BoolVar(&cfg.VerifyDownload, "verify", cfg.VerifyDownload, "verify downloaded content")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return fs.Args(), nil
}
