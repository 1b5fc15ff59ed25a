package fetch

import (
	"net/http"
	"sort"
	"sync"
)

// StatusHistogram counts every HTTP status observed during a run, whatever
// the outcome of the request.
type StatusHistogram struct {
	mu     sync.Mutex
	counts map[int]int
	total  int
}

// NewStatusHistogram creates an empty histogram.
func NewStatusHistogram() *StatusHistogram {
	return &StatusHistogram{counts: make(map[int]int)}
}

// Record counts one response with the given status.
func (h *StatusHistogram) Record(status int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[status]++
	h.total++
}

// Total returns the number of recorded responses.
func (h *StatusHistogram) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Snapshot returns a copy of the counts.
func (h *StatusHistogram) Snapshot() map[int]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[int]int, len(h.counts))
	for code, n := range h.counts {
		out[code] = n
	}
	return out
}

// Codes returns the observed status codes in ascending order.
func (h *StatusHistogram) Codes() []int {
	snapshot := h.Snapshot()
	codes := make([]int, 0, len(snapshot))
	for code := range snapshot {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}

// StatusClass groups a status code for log output.
func StatusClass(code int) string {
	switch {
	case code >= 100 && code < 200:
		return "informational"
	case code >= 200 && code < 300:
		return "success"
	case code >= 300 && code < 400:
		return "redirect"
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	case code >= 400 && code < 500:
		return "client_error"
	case code >= 500 && code < 600:
		return "server_error"
	default:
		return "unknown"
	}
}

// StatusDescription returns the standard reason phrase, or "Unknown".
func StatusDescription(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}
