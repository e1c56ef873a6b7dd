package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// DefaultPorts is the fixed probe set for common local dev servers, in
// suggestion order.
var DefaultPorts = []int{3000, 3001, 8080, 8000, 4200, 5173, 5000, 8787}

var probeClient = &http.Client{
	// A redirect would leave the probed port; the response itself is proof
	// enough of a listener.
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// Detect probes each port with a HEAD request and returns the responsive
// ones, preserving the order of ports. Probes run in parallel; any HTTP
// response counts, only connection failures rule a port out.
func Detect(ctx context.Context, ports []int, timeout time.Duration) []int {
	if timeout <= 0 {
		timeout = time.Second
	}

	up := make([]bool, len(ports))
	var wg sync.WaitGroup
	for i, port := range ports {
		wg.Add(1)
		go func(i, port int) {
			defer wg.Done()
			up[i] = probe(ctx, port, timeout)
		}(i, port)
	}
	wg.Wait()

	detected := make([]int, 0, len(ports))
	for i, ok := range up {
		if ok {
			detected = append(detected, ports[i])
		}
	}
	return detected
}

func probe(ctx context.Context, port int, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fmt.Sprintf("http://127.0.0.1:%d/", port), nil)
	if err != nil {
		return false
	}
	res, err := probeClient.Do(req)
	if err != nil {
		return false
	}
	res.Body.Close()
	return true
}
