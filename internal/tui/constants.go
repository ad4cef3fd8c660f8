package tui

import "time"

const (
	// Timeouts and Intervals
	TickInterval       = time.Second
	ActionTimeout      = 10 * time.Second
	NotificationPeriod = 4 * time.Second

	// Layout
	MinCardWidth           = 40
	MaxCardWidth           = 100
	LabelWidth             = 12
	ProgressBarWidthOffset = 4
	DefaultPaddingX        = 1
	DefaultPaddingY        = 0
	GraphHeight            = 4
	AxisWidth              = 6

	// Speed history kept for the throughput graph, one sample per tick
	SpeedHistoryLen = 120

	// Units
	Megabyte = 1024.0 * 1024.0
)
