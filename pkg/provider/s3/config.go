// Package s3 lists objects in AWS S3 and S3-compatible stores.
package s3

import "time"

// Config configures an S3 provider.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set. For S3-compatible stores (MinIO, Wasabi)
// set Endpoint and usually ForcePathStyle.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string `mapstructure:"bucket"`

	// Region is the AWS region. When empty it comes from the environment
	// or profile, then from instance metadata if DetectRegion is set, and
	// finally defaults to us-east-1 for AWS (never for custom endpoints).
	Region string `mapstructure:"region"`

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string `mapstructure:"endpoint"`

	// Profile is the shared config profile to use.
	Profile string `mapstructure:"profile"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// ForcePathStyle puts the bucket in the path instead of the host.
	ForcePathStyle bool `mapstructure:"force_path_style"`

	// DetectRegion asks EC2 instance metadata for the region when nothing
	// else provides one.
	DetectRegion bool `mapstructure:"detect_region"`

	// MaxKeys is the default page size. Zero uses 1000; larger values are
	// clamped to 1000.
	MaxKeys int `mapstructure:"max_keys"`
}

const (
	// DefaultMaxKeys is the default page size for List operations.
	DefaultMaxKeys = 1000

	// MaxAllowedKeys is the maximum page size allowed by S3.
	MaxAllowedKeys = 1000

	// DefaultAWSRegion is the fallback region for AWS S3.
	DefaultAWSRegion = "us-east-1"

	// regionDetectTimeout bounds the instance metadata lookup; off EC2 the
	// endpoint simply does not answer.
	regionDetectTimeout = 2 * time.Second
)

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
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
	return "s3 config: " + e.Field + ": " + e.Message
}
