package events

import "sync"

// Recorder is an in-process Publisher that keeps every payload. The daemon
// never uses it; it backs tests of packages that emit events.
type Recorder struct {
	mu       sync.Mutex
	payloads map[string][]any
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{payloads: make(map[string][]any)}
}

func (r *Recorder) Publish(topic string, payload any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads[topic] = append(r.payloads[topic], payload)
	return 1
}

// Execution returns the execution events published for drillID, in order.
func (r *Recorder) Execution(drillID string) []ExecutionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ExecutionEvent
	for _, p := range r.payloads[ExecutionTopic(drillID)] {
		if ev, ok := p.(ExecutionEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

// OfType filters Execution by type.
func (r *Recorder) OfType(drillID string, t EventType) []ExecutionEvent {
	var out []ExecutionEvent
	for _, ev := range r.Execution(drillID) {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// TestRun returns the test-run messages published for scenarioID, in order.
func (r *Recorder) TestRun(scenarioID string) []TestRunMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []TestRunMessage
	for _, p := range r.payloads[ScenarioTestTopic(scenarioID)] {
		if m, ok := p.(TestRunMessage); ok {
			out = append(out, m)
		}
	}
	return out
}

// Controls returns only the control frames of a test run.
func (r *Recorder) Controls(scenarioID string) []Control {
	var out []Control
	for _, m := range r.TestRun(scenarioID) {
		if m.Type == TestRunControlType {
			out = append(out, Control(m.Data))
		}
	}
	return out
}
