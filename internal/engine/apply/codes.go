package apply

import "fmt"

// Status is the engine's coarse state, as reported through StatusUpdate.
type Status int32

const (
	StatusIdle                Status = 0
	StatusCheckingForUpdate   Status = 1
	StatusUpdateAvailable     Status = 2
	StatusDownloading         Status = 3
	StatusVerifying           Status = 4
	StatusFinalizing          Status = 5
	StatusUpdatedNeedReboot   Status = 6
	StatusReportingErrorEvent Status = 7
	StatusAttemptingRollback  Status = 8
	StatusDisabled            Status = 9
)

var statusNames = map[Status]string{
	StatusIdle:                "IDLE",
	StatusCheckingForUpdate:   "CHECKING_FOR_UPDATE",
	StatusUpdateAvailable:     "UPDATE_AVAILABLE",
	StatusDownloading:         "DOWNLOADING",
	StatusVerifying:           "VERIFYING",
	StatusFinalizing:          "FINALIZING",
	StatusUpdatedNeedReboot:   "UPDATED_NEED_REBOOT",
	StatusReportingErrorEvent: "REPORTING_ERROR_EVENT",
	StatusAttemptingRollback:  "ATTEMPTING_ROLLBACK",
	StatusDisabled:            "DISABLED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int32(s))
}

// ErrorCode is the final result of a payload application.
type ErrorCode int32

const (
	ErrorSuccess                     ErrorCode = 0
	ErrorGeneric                     ErrorCode = 1
	ErrorDownloadTransfer            ErrorCode = 9
	ErrorPayloadHashMismatch         ErrorCode = 10
	ErrorPayloadSizeMismatch         ErrorCode = 11
	ErrorDownloadPayloadVerification ErrorCode = 12
	ErrorNewRootfsVerification       ErrorCode = 15
	ErrorSignedDeltaPayloadExpected  ErrorCode = 24
	ErrorDownloadMetadataSignature   ErrorCode = 25
	ErrorMetadataSignatureMismatch   ErrorCode = 26
	ErrorUserCancelled               ErrorCode = 48
	ErrorPayloadTimestamp            ErrorCode = 51
	ErrorUpdatedButNotActive         ErrorCode = 52
	ErrorNotEnoughSpace              ErrorCode = 60
	ErrorDeviceCorrupted             ErrorCode = 61
)

var errorNames = map[ErrorCode]string{
	ErrorSuccess:                     "SUCCESS",
	ErrorGeneric:                     "ERROR",
	ErrorDownloadTransfer:            "DOWNLOAD_TRANSFER_ERROR",
	ErrorPayloadHashMismatch:         "PAYLOAD_HASH_MISMATCH_ERROR",
	ErrorPayloadSizeMismatch:         "PAYLOAD_SIZE_MISMATCH_ERROR",
	ErrorDownloadPayloadVerification: "DOWNLOAD_PAYLOAD_VERIFICATION_ERROR",
	ErrorNewRootfsVerification:       "NEW_ROOTFS_VERIFICATION_ERROR",
	ErrorSignedDeltaPayloadExpected:  "SIGNED_DELTA_PAYLOAD_EXPECTED_ERROR",
	ErrorDownloadMetadataSignature:   "DOWNLOAD_METADATA_SIGNATURE_MISMATCH",
	ErrorMetadataSignatureMismatch:   "METADATA_SIGNATURE_MISMATCH",
	ErrorUserCancelled:               "USER_CANCELLED",
	ErrorPayloadTimestamp:            "PAYLOAD_TIMESTAMP_ERROR",
	ErrorUpdatedButNotActive:         "UPDATED_BUT_NOT_ACTIVE",
	ErrorNotEnoughSpace:              "NOT_ENOUGH_SPACE",
	ErrorDeviceCorrupted:             "DEVICE_CORRUPTED",
}

func (c ErrorCode) String() string {
	if name, ok := errorNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_CODE(%d)", int32(c))
}

// Known reports whether c has a dedicated mapping.
func (c ErrorCode) Known() bool {
	_, ok := errorNames[c]
	return ok
}
