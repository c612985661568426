package main

import (
	"fmt"
	"time"
)

const reportTimeLayout = "2006-01-02 15:04:05"

// Report 送往呼叫端的非同步報告
type Report interface {
	isReport()
}

// PollRregsUpdate 一次 Rreg 批次讀取的結果
type PollRregsUpdate struct {
	Values PollResult
	Err    error
}

// PollRwregsUpdate 一次 Rwreg 批次讀取的結果
type PollRwregsUpdate struct {
	Values PollResult
	Err    error
}

// StatusLevel 狀態訊息等級
type StatusLevel int

const (
	LevelInfo StatusLevel = iota
	LevelWarning
	LevelError
)

func (l StatusLevel) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusReport 帶時間戳記的狀態訊息 (Info / Warning / Error)
type StatusReport struct {
	Level StatusLevel
	Time  time.Time
	Text  string
}

// String 返回 "2006-01-02 15:04:05 訊息" 格式
func (r StatusReport) String() string {
	return r.Time.Format(reportTimeLayout) + " " + r.Text
}

func newStatus(level StatusLevel, format string, args ...any) StatusReport {
	return StatusReport{
		Level: level,
		Time:  time.Now(),
		Text:  fmt.Sprintf(format, args...),
	}
}

func (PollRregsUpdate) isReport()  {}
func (PollRwregsUpdate) isReport() {}
func (StatusReport) isReport()     {}
