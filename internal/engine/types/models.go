package types

import "fmt"

// BuildInfo describes one discovered update build. It is immutable once
// fetched and replaced wholesale when a newer build shows up.
type BuildInfo struct {
	Version                string `json:"version"`
	ReleaseTimestampMillis int64  `json:"release_timestamp_millis"`
	DownloadURL            string `json:"download_url"`
	FileName               string `json:"file_name"`
	FileSizeBytes          int64  `json:"file_size_bytes"`
	ContentHash            string `json:"content_hash"`
}

// IsZero reports whether no build has been recorded.
func (b BuildInfo) IsZero() bool {
	return b.DownloadURL == "" && b.Version == ""
}

// GlobalCode is the coarse phase of the whole update pipeline.
type GlobalCode int

const (
	GlobalNone GlobalCode = iota
	GlobalDownloadPending
	GlobalDownloading
	GlobalUpdatePending
	GlobalUpdating
	GlobalRebootPending
	GlobalFinished
)

var globalNames = map[GlobalCode]string{
	GlobalNone:            "none",
	GlobalDownloadPending: "download_pending",
	GlobalDownloading:     "downloading",
	GlobalUpdatePending:   "update_pending",
	GlobalUpdating:        "updating",
	GlobalRebootPending:   "reboot_pending",
	GlobalFinished:        "finished",
}

func (c GlobalCode) String() string {
	if s, ok := globalNames[c]; ok {
		return s
	}
	return fmt.Sprintf("global(%d)", int(c))
}

// ParseGlobalCode converts a persisted name back into a GlobalCode.
func ParseGlobalCode(s string) (GlobalCode, error) {
	for c, name := range globalNames {
		if name == s {
			return c, nil
		}
	}
	return GlobalNone, fmt.Errorf("unknown global status %q", s)
}

// GlobalStatus is the single top-level status row.
type GlobalStatus struct {
	Code                 GlobalCode `json:"code"`
	EntryTimestamp       int64      `json:"entry_timestamp"` // Unix millis
	LocalUpgradeFileName string     `json:"local_upgrade_file_name,omitempty"`
}

// DownloadPhase is the state of the artifact download.
type DownloadPhase int

const (
	DownloadNotStarted DownloadPhase = iota
	DownloadIndeterminate
	DownloadDownloading
	DownloadPaused
	DownloadCancelled
	DownloadFailed
	DownloadFinished
)

var downloadNames = map[DownloadPhase]string{
	DownloadNotStarted:    "dl_not_started",
	DownloadIndeterminate: "dl_indeterminate",
	DownloadDownloading:   "dl_downloading",
	DownloadPaused:        "dl_paused",
	DownloadCancelled:     "dl_cancelled",
	DownloadFailed:        "dl_failed",
	DownloadFinished:      "dl_finished",
}

func (p DownloadPhase) String() string {
	if s, ok := downloadNames[p]; ok {
		return s
	}
	return fmt.Sprintf("download(%d)", int(p))
}

// ParseDownloadPhase converts a persisted name back into a DownloadPhase.
func ParseDownloadPhase(s string) (DownloadPhase, error) {
	for p, name := range downloadNames {
		if name == s {
			return p, nil
		}
	}
	return DownloadNotStarted, fmt.Errorf("unknown download phase %q", s)
}

// Active reports whether a background task may currently own the download.
func (p DownloadPhase) Active() bool {
	return p == DownloadIndeterminate || p == DownloadDownloading
}

// DownloadStatus is the persisted progress of the artifact download.
type DownloadStatus struct {
	Phase           DownloadPhase `json:"phase"`
	DownloadedBytes int64         `json:"downloaded_bytes"`
	TotalBytes      int64         `json:"total_bytes"`
	Percent         int           `json:"percent"`
	TaskID          string        `json:"task_id,omitempty"`
	Reason          FailureReason `json:"reason,omitempty"`
}

// Percent returns floor(downloaded*100/total), clamped to [0,100].
func Percent(downloaded, total int64) int {
	if total <= 0 || downloaded <= 0 {
		return 0
	}
	if downloaded >= total {
		return 100
	}
	return int(downloaded * 100 / total)
}

// UpdateCode is the state of a payload application attempt.
type UpdateCode int

const (
	UpdateNone UpdateCode = iota
	UpdateIndeterminate
	UpdateApplying
	UpdatePaused
	UpdateCancelled
	UpdateFinished
	UpdateFailed
)

var updateNames = map[UpdateCode]string{
	UpdateNone:          "up_none",
	UpdateIndeterminate: "up_indeterminate",
	UpdateApplying:      "up_applying",
	UpdatePaused:        "up_paused",
	UpdateCancelled:     "up_cancelled",
	UpdateFinished:      "up_finished",
	UpdateFailed:        "up_failed",
}

func (c UpdateCode) String() string {
	if s, ok := updateNames[c]; ok {
		return s
	}
	return fmt.Sprintf("update(%d)", int(c))
}

// ParseUpdateCode converts a persisted name back into an UpdateCode.
func ParseUpdateCode(s string) (UpdateCode, error) {
	for c, name := range updateNames {
		if name == s {
			return c, nil
		}
	}
	return UpdateNone, fmt.Errorf("unknown update status %q", s)
}

// ApplyStep is the sub-phase reported while Applying.
type ApplyStep int

const (
	StepNone              ApplyStep = 0
	StepProcessingPayload ApplyStep = 1
	StepApplyingUpdate    ApplyStep = 2
)

func (s ApplyStep) String() string {
	switch s {
	case StepProcessingPayload:
		return "processing_payload"
	case StepApplyingUpdate:
		return "applying_update"
	default:
		return "none"
	}
}

// UpdateStatus is the state of the apply coordinator.
type UpdateStatus struct {
	Code            UpdateCode    `json:"code"`
	Step            ApplyStep     `json:"step,omitempty"`
	ProgressPercent int           `json:"progress_percent"`
	Reason          FailureReason `json:"reason,omitempty"`
}

// FailureReason is the user-facing cause attached to a Failed phase.
type FailureReason string

const (
	ReasonNone            FailureReason = ""
	ReasonIntegrity       FailureReason = "integrity"
	ReasonCorruptPackage  FailureReason = "corrupt_package"
	ReasonTransfer        FailureReason = "transfer"
	ReasonSignature       FailureReason = "signature"
	ReasonDowngrade       FailureReason = "downgrade"
	ReasonVerification    FailureReason = "verification"
	ReasonNotEnoughSpace  FailureReason = "not_enough_space"
	ReasonDeviceCorrupted FailureReason = "device_corrupted"
	ReasonEngineBusy      FailureReason = "engine_busy"
	ReasonEngine          FailureReason = "engine"
	ReasonGeneric         FailureReason = "generic"
	ReasonIO              FailureReason = "io"
	ReasonStaging         FailureReason = "staging"
)

// PayloadDescriptor locates the payload inside an update package.
// Offset and size are -1 when unset.
type PayloadDescriptor struct {
	PackagePath   string    `json:"package_path"`
	PayloadOffset int64     `json:"payload_offset"`
	PayloadSize   int64     `json:"payload_size"`
	HeaderLines   [4]string `json:"header_lines"`
}

// InvalidDescriptor returns a descriptor with offset and size unset.
func InvalidDescriptor(path string) PayloadDescriptor {
	return PayloadDescriptor{PackagePath: path, PayloadOffset: -1, PayloadSize: -1}
}

// Valid reports whether the engine can be invoked with this descriptor.
func (d PayloadDescriptor) Valid() bool {
	if d.PayloadOffset < 0 || d.PayloadSize < 0 {
		return false
	}
	for _, l := range d.HeaderLines {
		if l == "" {
			return false
		}
	}
	return true
}

// Snapshot is the full persisted view returned to observers.
type Snapshot struct {
	Global   GlobalStatus   `json:"global"`
	Download DownloadStatus `json:"download"`
	Update   UpdateStatus   `json:"update"`
	Build    BuildInfo      `json:"build"`
}

// TaskState is the lifecycle of one durable background task.
type TaskState string

const (
	TaskEnqueued  TaskState = "enqueued"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the task will never run again.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

func (c GlobalCode) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *GlobalCode) UnmarshalText(b []byte) error {
	v, err := ParseGlobalCode(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func (p DownloadPhase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *DownloadPhase) UnmarshalText(b []byte) error {
	v, err := ParseDownloadPhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (c UpdateCode) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *UpdateCode) UnmarshalText(b []byte) error {
	v, err := ParseUpdateCode(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
