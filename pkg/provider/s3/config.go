// Package s3 mirrors bundle containers to AWS S3 or an S3-compatible store.
package s3

// Config configures the S3 mirror.
//
// Credentials follow the AWS SDK v2 default chain (env, shared files,
// instance or task role) unless AccessKeyID and SecretAccessKey are both set.
// When Endpoint is empty and no region resolves, us-east-1 is used. For
// MinIO or Ceph gateways common on HPC sites set Endpoint and ForcePathStyle.
type Config struct {
	Bucket string

	Region string

	// Endpoint is a custom endpoint URL, e.g. http://minio.cluster.local:9000.
	Endpoint string

	Profile string

	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool

	// MaxKeys is the List page size. Zero uses DefaultMaxKeys.
	MaxKeys int
}

const (
	// DefaultMaxKeys is the default page size for List operations.
	DefaultMaxKeys = 1000

	// MaxAllowedKeys is the largest page size S3 accepts.
	MaxAllowedKeys = 1000

	// DefaultAWSRegion is the fallback region for AWS S3.
	DefaultAWSRegion = "us-east-1"

	// ContentTypeContainer is attached to uploaded bundle containers.
	ContentTypeContainer = "application/vnd.sqlite3"
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

// ConfigError reports an invalid mirror configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
