package metrics

import (
	"net/http"
	"time"
)

// NopMetrics is a no-op implementation of the Metrics interface.
// Use this when metrics collection is disabled.
type NopMetrics struct{}

// NewNopMetrics creates a new NopMetrics instance.
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

// Chain metrics (no-op)

func (m *NopMetrics) SetBlockHeight(height int64)                  {}
func (m *NopMetrics) IncBlocksReplayed()                           {}
func (m *NopMetrics) ObserveReplayDuration(duration time.Duration) {}
func (m *NopMetrics) SetSyncState(state string)                    {}
func (m *NopMetrics) IncChainCorruptions(action string)            {}
func (m *NopMetrics) IncFakeKeyrings()                             {}
func (m *NopMetrics) IncHandlerFailures(blockType string)          {}

// Index metrics (no-op)

func (m *NopMetrics) ObserveDeployPhase(phase string, duration time.Duration) {}
func (m *NopMetrics) IncDeployRetries(phase string)                           {}
func (m *NopMetrics) IncDeployFailures(phase string)                          {}
func (m *NopMetrics) AddEventsIndexed(count int)                              {}
func (m *NopMetrics) AddNftsMinted(count int)                                 {}
func (m *NopMetrics) IncStagingRejected(op string)                            {}

// Handler returns http.NotFoundHandler.
func (m *NopMetrics) Handler() http.Handler {
	return http.NotFoundHandler()
}

// Ensure NopMetrics implements Metrics.
var _ Metrics = (*NopMetrics)(nil)
