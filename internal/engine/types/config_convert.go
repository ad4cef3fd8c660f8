package types

import "github.com/surge-downloader/otaupdate/internal/config"

// ConvertRuntimeConfig converts the app-level RuntimeConfig to the engine-level RuntimeConfig.
func ConvertRuntimeConfig(rc *config.RuntimeConfig) *RuntimeConfig {
	if rc == nil {
		return &RuntimeConfig{}
	}
	return &RuntimeConfig{
		UserAgent:               rc.UserAgent,
		ProxyURL:                rc.ProxyURL,
		SkipTLSVerification:     rc.SkipTLSVerification,
		WorkerBufferSize:        rc.WorkerBufferSize,
		MaxTaskRetries:          rc.MaxTaskRetries,
		RetryBaseDelay:          rc.RetryBaseDelay,
		Workers:                 rc.Workers,
		ProgressPersistInterval: rc.ProgressPersistInterval,
		RequireNetwork:          rc.RequireNetwork,
		MinFreeBytes:            rc.MinFreeBytes,
	}
}
