package pipeline

import (
	"fmt"

	metrics "github.com/rcrowley/go-metrics"
)

type Stats struct {
	Registry metrics.Registry

	FramesSent     metrics.Counter
	FramesReceived metrics.Counter
	FramesDropped  metrics.Counter

	WireItemsSent metrics.Counter
	BytesSent     metrics.Counter
	BytesReceived metrics.Counter
}

func NewStats(name string, r metrics.Registry) *Stats {
	if r == nil {
		r = metrics.NewRegistry()
	}

	return &Stats{
		Registry: r,

		FramesSent: metrics.NewRegisteredCounter(
			NewPipelineMetricName(name, "pipeline.FramesSent"), r),
		FramesReceived: metrics.NewRegisteredCounter(
			NewPipelineMetricName(name, "pipeline.FramesReceived"), r),
		FramesDropped: metrics.NewRegisteredCounter(
			NewPipelineMetricName(name, "pipeline.FramesDropped"), r),

		WireItemsSent: metrics.NewRegisteredCounter(
			NewPipelineMetricName(name, "pipeline.WireItemsSent"), r),
		BytesSent: metrics.NewRegisteredCounter(
			NewPipelineMetricName(name, "pipeline.BytesSent"), r),
		BytesReceived: metrics.NewRegisteredCounter(
			NewPipelineMetricName(name, "pipeline.BytesReceived"), r),
	}
}

func NewPipelineMetricName(name string, metric string) string {
	return fmt.Sprintf("-- %s --: %s", name, metric)
}
