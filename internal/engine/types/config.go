package types

import (
	"time"
)

// Size constants
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB

	// IncompleteSuffix is appended to the cache file while downloading
	IncompleteSuffix = ".part"
)

const (
	WorkerBuffer = 512 * KB
	DigestBuffer = 1 * MB

	// Progress persistence throttling
	ProgressPersistInterval = 500 * time.Millisecond
)

// HTTP Client Tuning
const (
	DefaultMaxIdleConns          = 100
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 15 * time.Second
	DefaultExpectContinueTimeout = 1 * time.Second
	DialTimeout                  = 10 * time.Second
	KeepAliveDuration            = 30 * time.Second
	ProbeTimeout                 = 30 * time.Second
)

// Task runner defaults
const (
	MaxTaskRetries         = 5
	RetryBaseDelay         = 30 * time.Second
	RetryMaxDelay          = 5 * time.Hour
	ConstraintPollInterval = 15 * time.Second
	DefaultWorkers         = 2
	DefaultMinFreeBytes    = 200 * MB
)

// Channel buffer sizes
const (
	ProgressChannelBuffer = 100
	SubscriberBuffer      = 16
)

// RuntimeConfig holds dynamic settings that can override defaults
type RuntimeConfig struct {
	UserAgent           string
	ProxyURL            string
	SkipTLSVerification bool

	WorkerBufferSize        int
	MaxTaskRetries          int
	RetryBaseDelay          time.Duration
	Workers                 int
	ProgressPersistInterval time.Duration

	RequireNetwork bool
	MinFreeBytes   int64
}

// GetUserAgent returns the configured user agent or the default
func (r *RuntimeConfig) GetUserAgent() string {
	if r == nil || r.UserAgent == "" {
		return "otaupdate/1.0"
	}
	return r.UserAgent
}

// GetWorkerBufferSize returns configured value or default
func (r *RuntimeConfig) GetWorkerBufferSize() int {
	if r == nil || r.WorkerBufferSize <= 0 {
		return WorkerBuffer
	}
	return r.WorkerBufferSize
}

// GetMaxTaskRetries returns configured value or default
func (r *RuntimeConfig) GetMaxTaskRetries() int {
	if r == nil || r.MaxTaskRetries <= 0 {
		return MaxTaskRetries
	}
	return r.MaxTaskRetries
}

// GetRetryBaseDelay returns configured value or default
func (r *RuntimeConfig) GetRetryBaseDelay() time.Duration {
	if r == nil || r.RetryBaseDelay <= 0 {
		return RetryBaseDelay
	}
	return r.RetryBaseDelay
}

// GetWorkers returns configured value or default
func (r *RuntimeConfig) GetWorkers() int {
	if r == nil || r.Workers <= 0 {
		return DefaultWorkers
	}
	return r.Workers
}

// GetProgressPersistInterval returns configured value or default
func (r *RuntimeConfig) GetProgressPersistInterval() time.Duration {
	if r == nil || r.ProgressPersistInterval <= 0 {
		return ProgressPersistInterval
	}
	return r.ProgressPersistInterval
}

// GetMinFreeBytes returns configured value. Zero disables the check.
func (r *RuntimeConfig) GetMinFreeBytes() int64 {
	if r == nil || r.MinFreeBytes < 0 {
		return 0
	}
	return r.MinFreeBytes
}
