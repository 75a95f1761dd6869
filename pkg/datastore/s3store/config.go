// Package s3store implements a datastore whose snapshots live in an S3 or
// S3-compatible bucket, using the same manifest layout as dirstore.
package s3store

import "strings"

// Config configures an S3 datastore.
//
// Authentication follows the AWS SDK v2 default chain unless explicit keys
// are set. For S3-compatible stores (MinIO, Wasabi) set Endpoint and
// typically ForcePathStyle.
type Config struct {
	// Name is the datastore name (required).
	Name string

	// Bucket is the S3 bucket name (required).
	Bucket string

	// Prefix is the key prefix under which the datastore root lives.
	Prefix string

	// Region is the AWS region. Defaults to us-east-1 for AWS S3 when the
	// SDK cannot resolve one; no default when Endpoint is set.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the AWS shared config profile name.
	Profile string

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must also be set.
	AccessKeyID string

	// SecretAccessKey is an explicit secret key. Required if AccessKeyID is set.
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs.
	ForcePathStyle bool
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ConfigError{Field: "Name", Message: "datastore name is required"}
	}
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 datastore config: " + e.Field + ": " + e.Message
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func resolveRegion(cfgRegion, endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if cfgRegion != "" {
		return cfgRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
