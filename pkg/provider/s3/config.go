// Package s3 publishes objects to AWS S3 and S3-compatible storage.
package s3

// Config configures an S3 provider.
//
// Authentication follows the AWS SDK v2 default chain unless explicit keys
// are set: environment, shared credentials and config files, then instance
// or task roles.
//
// For S3-compatible stores (MinIO, Wasabi) set Endpoint and usually
// ForcePathStyle. No default region is applied when Endpoint is set.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string

	// Region is the AWS region. For AWS S3 it defaults to us-east-1 when
	// neither the environment nor a profile provides one.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the shared config profile to use.
	Profile string

	// AccessKeyID and SecretAccessKey are explicit static credentials.
	// Both or neither must be set.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the URL path instead of the host.
	ForcePathStyle bool

	// ContentType is sent with every upload. Defaults to DefaultContentType.
	ContentType string
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// DefaultContentType is the media type of exported Wavefront models.
const DefaultContentType = "model/obj"

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

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
