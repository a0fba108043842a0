package s3

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/dmftloop/pkg/provider"
)

// mockAPIError implements smithy.APIError for testing error code mapping.
type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "bucket only", cfg: Config{Bucket: "dmft-archive"}},
		{name: "missing bucket", cfg: Config{Region: "us-west-2"}, wantErr: "bucket name is required"},
		{name: "explicit credentials", cfg: Config{Bucket: "b", AccessKeyID: "AK", SecretAccessKey: "SK"}},
		{name: "key without secret", cfg: Config{Bucket: "b", AccessKeyID: "AK"}, wantErr: "provided together"},
		{name: "secret without key", cfg: Config{Bucket: "b", SecretAccessKey: "SK"}, wantErr: "provided together"},
		{name: "minio endpoint", cfg: Config{Bucket: "b", Endpoint: "http://localhost:9000", ForcePathStyle: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigError_Error(t *testing.T) {
	err := &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	assert.Equal(t, "s3 config: Bucket: bucket name is required", err.Error())
}

func TestNew_ValidationError(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)

	var configErr *ConfigError
	assert.True(t, errors.As(err, &configErr))
}

func TestCleanETag(t *testing.T) {
	assert.Equal(t, "abc123", cleanETag(`"abc123"`))
	assert.Equal(t, "abc123", cleanETag("abc123"))
	assert.Equal(t, "", cleanETag(`""`))
}

func TestWrapError_NotFound(t *testing.T) {
	p := &Provider{bucket: "dmft-archive"}

	err := p.wrapError("GetObject", "ep9.0/IN/params.json.bundle", &types.NoSuchKey{})

	var provErr *provider.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "GetObject", provErr.Op)
	assert.Equal(t, provider.ProviderS3, provErr.Provider)
	assert.Equal(t, "dmft-archive", provErr.Bucket)
	assert.Equal(t, "ep9.0/IN/params.json.bundle", provErr.Key)
	assert.True(t, provider.IsNotFound(err))
	assert.Equal(t, provider.CodeNotFound, provider.Code(err))
}

func TestWrapError_BucketNotFound(t *testing.T) {
	p := &Provider{bucket: "missing-bucket"}

	err := p.wrapError("List", "", &types.NoSuchBucket{})
	assert.True(t, errors.Is(err, provider.ErrBucketNotFound))
	assert.Equal(t, provider.CodeBucketMissing, provider.Code(err))
}

func TestWrapError_FromMessage(t *testing.T) {
	p := &Provider{bucket: "dmft-archive"}

	tests := []struct {
		name     string
		errMsg   string
		expected error
	}{
		{"access denied", "AccessDenied: Access Denied", provider.ErrAccessDenied},
		{"403", "operation error: https response error StatusCode: 403", provider.ErrAccessDenied},
		{"no such key", "NoSuchKey: The specified key does not exist", provider.ErrNotFound},
		{"404", "operation error: https response error StatusCode: 404", provider.ErrNotFound},
		{"no such bucket", "NoSuchBucket: bucket does not exist", provider.ErrBucketNotFound},
		{"signature mismatch", "SignatureDoesNotMatch: invalid signature", provider.ErrInvalidCredentials},
		{"slow down", "SlowDown: Please reduce your request rate", provider.ErrThrottled},
		{"429", "operation error: https response error StatusCode: 429", provider.ErrThrottled},
		{"503", "operation error: https response error StatusCode: 503", provider.ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.wrapError("PutObject", "key", errors.New(tt.errMsg))
			assert.True(t, errors.Is(err, tt.expected))
		})
	}
}

func TestWrapError_APIError(t *testing.T) {
	p := &Provider{bucket: "dmft-archive"}

	tests := []struct {
		code     string
		expected error
	}{
		{"NoSuchKey", provider.ErrNotFound},
		{"NotFound", provider.ErrNotFound},
		{"NoSuchBucket", provider.ErrBucketNotFound},
		{"AccessDenied", provider.ErrAccessDenied},
		{"InvalidAccessKeyId", provider.ErrInvalidCredentials},
		{"RequestLimitExceeded", provider.ErrThrottled},
		{"InternalError", provider.ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := p.wrapError("PutObject", "key", &mockAPIError{code: tt.code, message: "test message"})
			assert.True(t, errors.Is(err, tt.expected), "expected %v for code %s", tt.expected, tt.code)
		})
	}
}

func TestWrapError_UnknownKeepsCause(t *testing.T) {
	p := &Provider{bucket: "dmft-archive"}
	cause := errors.New("connection reset by peer")

	err := p.wrapError("PutObject", "key", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, provider.CodeInternal, provider.Code(err))
}

func TestMaxKeysClamping(t *testing.T) {
	tests := []struct {
		name     string
		input    int
		expected int
	}{
		{"zero uses provider default", 0, DefaultMaxKeys},
		{"negative uses provider default", -1, DefaultMaxKeys},
		{"within limit unchanged", 500, 500},
		{"over limit clamped", 2000, MaxAllowedKeys},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, clampMaxKeys(tt.input, DefaultMaxKeys))
		})
	}
}

func TestResolveRegion(t *testing.T) {
	tests := []struct {
		name      string
		endpoint  string
		sdkRegion string
		expected  string
	}{
		{"sdk resolved region", "", "eu-west-1", "eu-west-1"},
		{"aws falls back to us-east-1", "", "", DefaultAWSRegion},
		{"custom endpoint keeps empty region", "http://localhost:9000", "", ""},
		{"custom endpoint with region", "https://s3.wasabisys.com", "us-east-2", "us-east-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, resolveRegion(tt.endpoint, tt.sdkRegion))
		})
	}
}
