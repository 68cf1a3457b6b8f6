package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultPorts is the ordered candidate list the agent CLI binds from.
var DefaultPorts = []int{8700, 8701, 8702, 8703, 8704}

// DefaultProbeTimeout bounds each individual health probe. Probes run
// concurrently, so total discovery latency is one timeout, not N.
const DefaultProbeTimeout = 1500 * time.Millisecond

// AgentInfo is the metadata a local agent reports on its health endpoint.
type AgentInfo struct {
	Project string `json:"project"`
	Type    string `json:"type"`
}

// Endpoint is a resolved local agent.
type Endpoint struct {
	Host string
	Port int
	Info AgentInfo
}

// BaseURL returns the HTTP base URL of the agent.
func (e Endpoint) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

// Discover probes the candidate loopback ports for a running agent. The
// first port answering with a well-formed health body wins; the others are
// abandoned in place. A missing agent is an expected condition: the second
// return is false and there is no error to handle.
func Discover(ctx context.Context, ports []int, probeTimeout time.Duration) (Endpoint, bool) {
	if len(ports) == 0 {
		ports = DefaultPorts
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	found := make(chan Endpoint, len(ports))
	for _, port := range ports {
		go func(port int) {
			info, err := probe(ctx, "127.0.0.1", port)
			if err != nil {
				found <- Endpoint{Port: -1}
				return
			}
			found <- Endpoint{Host: "127.0.0.1", Port: port, Info: info}
		}(port)
	}
	for range ports {
		select {
		case ep := <-found:
			if ep.Port > 0 {
				return ep, true
			}
		case <-ctx.Done():
			return Endpoint{}, false
		}
	}
	return Endpoint{}, false
}

// probe issues one health request and validates the body.
func probe(ctx context.Context, host string, port int) (AgentInfo, error) {
	url := fmt.Sprintf("http://%s:%d/health", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return AgentInfo{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return AgentInfo{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return AgentInfo{}, fmt.Errorf("health status %s", resp.Status)
	}
	var info AgentInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return AgentInfo{}, fmt.Errorf("decode health body: %w", err)
	}
	if info.Project == "" || info.Type == "" {
		return AgentInfo{}, fmt.Errorf("malformed health body")
	}
	return info, nil
}
