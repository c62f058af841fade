package registry

import (
	"strconv"

	"streamnode/internal/liveness"
	"streamnode/internal/pipeline"
	"streamnode/internal/platform/metrics"
)

// ControllerFactory builds the controller for a newly registered channel.
type ControllerFactory struct {
	Kind Kind
	New  func(ch Channel) Controller
}

// MonitorFactory builds liveness monitors. Every received datagram is
// counted in m under the channel's id.
func MonitorFactory(opts liveness.Options, m *metrics.Metrics) ControllerFactory {
	return ControllerFactory{
		Kind: MonitorBacked,
		New: func(ch Channel) Controller {
			o := opts
			label := strconv.Itoa(ch.ID)
			o.OnDatagram = func(int) { m.ObserveDatagram(label) }
			return liveness.New(ch.ID, ch.Port, o)
		},
	}
}

// PipelineFactory builds locally encoded pipelines from cfg.
func PipelineFactory(cfg pipeline.Config) ControllerFactory {
	return ControllerFactory{
		Kind: PipelineBacked,
		New: func(ch Channel) Controller {
			return pipeline.NewProcess(ch.ID, ch.Port, pipeline.Format{
				Width:     ch.Format.Width,
				Height:    ch.Format.Height,
				Framerate: ch.Format.Framerate,
			}, cfg)
		},
	}
}
