package model

// QueueMetrics is the per-queue counter snapshot exposed over the control
// socket and queried by tests.
type QueueMetrics struct {
	Queue    string `json:"queue" yaml:"queue"`
	Enqueued int    `json:"enqueued" yaml:"enqueued"`
	Leased   int    `json:"leased" yaml:"leased"`
	Acked    int    `json:"acked" yaml:"acked"`
	Nacked   int    `json:"nacked" yaml:"nacked"`
	Depth    int    `json:"depth" yaml:"depth"`
	Inflight int    `json:"inflight" yaml:"inflight"`
}
