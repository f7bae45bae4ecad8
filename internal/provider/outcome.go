package provider

// Outcome is the vendor-neutral state of a provider job. Exactly one of
// Queued, Running, Succeeded or Failed.
type Outcome interface {
	outcome()
	// Name is a short label used in logs and metrics.
	Name() string
}

// Queued means the provider accepted the job but has not started it
type Queued struct{}

// Running means the provider is generating
type Running struct{}

// Succeeded carries the provider's ephemeral result URL
type Succeeded struct {
	URL string
}

// Failed carries the vendor-supplied failure reason
type Failed struct {
	Reason string
}

func (Queued) outcome()    {}
func (Running) outcome()   {}
func (Succeeded) outcome() {}
func (Failed) outcome()    {}

func (Queued) Name() string    { return "queued" }
func (Running) Name() string   { return "running" }
func (Succeeded) Name() string { return "succeeded" }
func (Failed) Name() string    { return "failed" }
