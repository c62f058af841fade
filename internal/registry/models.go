package registry

// Kind says what backs a channel.
type Kind string

const (
	// MonitorBacked channels are fed by an external source and observed
	// passively.
	MonitorBacked Kind = "monitor"
	// PipelineBacked channels are encoded locally by a media pipeline.
	PipelineBacked Kind = "pipeline"
)

// Controller is the backing implementation of one channel. Start must leave
// nothing running when it fails; Stop must be idempotent and must not return
// until the controller's background work has finished.
type Controller interface {
	Start() error
	Stop() error
	IsActive() bool
}

// VideoFormat is the raw format requested for a channel.
type VideoFormat struct {
	Width     int
	Height    int
	Framerate int
}

// Channel is what a ControllerFactory needs to build a controller.
type Channel struct {
	ID     int
	Port   int
	Format VideoFormat
}

// ChannelStatus is a point-in-time view of one registered channel.
type ChannelStatus struct {
	ID     int    `json:"id"`
	Active bool   `json:"active"`
	Port   int    `json:"port"`
	Kind   Kind   `json:"kind"`
	URL    string `json:"url"`
}

type entry struct {
	channel Channel
	kind    Kind
	ctrl    Controller
}
