// Package metrics exposes update engine metrics. Recorder implementations
// must tolerate nil receivers so callers can inject nothing when metrics are
// disabled.
package metrics

import "time"

// Result labels an operation or download outcome.
type Result string

const (
	ResultSuccess  Result = "success"
	ResultFailed   Result = "failed"
	ResultCanceled Result = "canceled"
	ResultBusy     Result = "busy"
	ResultCached   Result = "cached"
)

// Recorder receives observations from the update engine.
type Recorder interface {
	ObserveOperation(operation string, d time.Duration, result Result)
	IncDownload(result Result, bytes int64)
	IncPlan(kind string)
	SetInstalledVersion(version string)
}

// NoopRecorder discards every observation.
type NoopRecorder struct{}

func (NoopRecorder) ObserveOperation(string, time.Duration, Result) {}
func (NoopRecorder) IncDownload(Result, int64)                      {}
func (NoopRecorder) IncPlan(string)                                 {}
func (NoopRecorder) SetInstalledVersion(string)                     {}
