// Package config loads runtime settings for gtransfer.
//
// Settings are resolved in three layers, later layers overriding earlier
// ones:
//
//  1. LoadDefaults: built-in values suitable for an S3-compatible store.
//  2. Config file: selected with -c or -config. Files ending in .json are
//     decoded as JSON, .yaml and .yml as YAML. The file contents are passed
//     through os.ExpandEnv first, so secrets may be written as ${VAR}.
//     Durations accept "15m" style strings or integer nanoseconds.
//  3. Command-line flags placed before the command name.
//
// Example YAML file:
//
//	store:
//	  driver: bolt
//	  path: /var/lib/gtransfer/state.db
//	s3:
//	  endpoint: http://127.0.0.1:9000
//	  region: us-east-1
//	  bucket: media
//	  access_key: ${S3_ACCESS_KEY}
//	  secret_key: ${S3_SECRET_KEY}
//	  path_style: true
//	transfer:
//	  part_size: 8388608
//	  concurrency: 4
//
// Config.Validate reports inconsistent combinations before any transfer is
// built.
package config
