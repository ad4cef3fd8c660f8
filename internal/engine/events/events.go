package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/surge-downloader/otaupdate/internal/engine/types"
)

// GlobalChangedMsg carries the latest global status row
type GlobalChangedMsg struct {
	Status types.GlobalStatus
}

// DownloadChangedMsg carries the latest download status row
type DownloadChangedMsg struct {
	Status types.DownloadStatus
}

// UpdateChangedMsg carries the latest apply status row
type UpdateChangedMsg struct {
	Status types.UpdateStatus
}

// BuildChangedMsg signals that a newer build was recorded
type BuildChangedMsg struct {
	Build types.BuildInfo
}

// FailureMsg signals a terminal failure with its reason
type FailureMsg struct {
	Component string
	Reason    types.FailureReason
	Err       error
}

func (m FailureMsg) MarshalJSON() ([]byte, error) {
	type encoded struct {
		Component string              `json:"Component"`
		Reason    types.FailureReason `json:"Reason,omitempty"`
		Err       string              `json:"Err,omitempty"`
	}

	out := encoded{
		Component: m.Component,
		Reason:    m.Reason,
	}
	if m.Err != nil {
		out.Err = m.Err.Error()
	}

	return json.Marshal(out)
}

func (m *FailureMsg) UnmarshalJSON(data []byte) error {
	var aux struct {
		Component string              `json:"Component"`
		Reason    types.FailureReason `json:"Reason"`
		Err       json.RawMessage     `json:"Err"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	m.Component = aux.Component
	m.Reason = aux.Reason
	m.Err = nil

	if len(aux.Err) == 0 {
		return nil
	}

	var errStr string
	if err := json.Unmarshal(aux.Err, &errStr); err == nil {
		if errStr != "" {
			m.Err = errors.New(errStr)
		}
		return nil
	}

	// Accept non-string payloads (e.g. {}).
	raw := string(aux.Err)
	if raw != "" && raw != "null" {
		m.Err = errors.New(raw)
	}
	return nil
}

// Event names used on the SSE stream.
const (
	NameGlobal   = "global"
	NameDownload = "download"
	NameUpdate   = "update"
	NameBuild    = "build"
	NameFailure  = "failure"
)

// Name returns the SSE event name for msg, or "" for unknown messages.
func Name(msg any) string {
	switch msg.(type) {
	case GlobalChangedMsg:
		return NameGlobal
	case DownloadChangedMsg:
		return NameDownload
	case UpdateChangedMsg:
		return NameUpdate
	case BuildChangedMsg:
		return NameBuild
	case FailureMsg:
		return NameFailure
	default:
		return ""
	}
}

// Decode turns an SSE event back into its message type.
func Decode(name string, data []byte) (any, error) {
	switch name {
	case NameGlobal:
		var m GlobalChangedMsg
		err := json.Unmarshal(data, &m)
		return m, err
	case NameDownload:
		var m DownloadChangedMsg
		err := json.Unmarshal(data, &m)
		return m, err
	case NameUpdate:
		var m UpdateChangedMsg
		err := json.Unmarshal(data, &m)
		return m, err
	case NameBuild:
		var m BuildChangedMsg
		err := json.Unmarshal(data, &m)
		return m, err
	case NameFailure:
		var m FailureMsg
		err := json.Unmarshal(data, &m)
		return m, err
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
}

// Fold applies a change message to snap and returns the result. Messages
// that carry no row leave snap unchanged.
func Fold(snap types.Snapshot, msg any) types.Snapshot {
	switch m := msg.(type) {
	case GlobalChangedMsg:
		snap.Global = m.Status
	case DownloadChangedMsg:
		snap.Download = m.Status
	case UpdateChangedMsg:
		snap.Update = m.Status
	case BuildChangedMsg:
		snap.Build = m.Build
	}
	return snap
}
