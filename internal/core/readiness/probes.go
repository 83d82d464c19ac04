package readiness

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/opsforge/secstack/internal/core/domain"
)

// =============================================================================
// Probe Construction
// =============================================================================

// ExecRunner runs a command inside a service's container. Used by the
// query-exec probe strategy.
type ExecRunner interface {
	Exec(ctx context.Context, containerName string, cmd []string) (exitCode int, output string, err error)
}

// ProbeDeps carries the collaborators probes need.
type ProbeDeps struct {
	// Host is where service ports are published, normally "127.0.0.1".
	Host string
	// Exec runs query-exec probes inside containers.
	Exec ExecRunner
	// Timeout bounds a single probe request.
	Timeout time.Duration
	// Secrets is the provisioned secret store, keyed by upper-case slot
	// name. Query-exec commands carry ${slot_name} placeholders that must
	// be expanded here: exec runs without a shell, so nothing else will.
	Secrets map[string]string
}

// NewProbeFactory returns the factory covering the closed set of probe
// kinds. Unknown kinds are rejected at catalog load, so the factory only
// sees valid specs.
func NewProbeFactory(deps ProbeDeps) ProbeFactory {
	if deps.Host == "" {
		deps.Host = "127.0.0.1"
	}
	if deps.Timeout == 0 {
		deps.Timeout = 5 * time.Second
	}

	return func(svc domain.ServiceDescriptor) (Probe, error) {
		switch svc.Probe.Kind {
		case domain.ProbeHTTPStatus:
			return &HTTPStatusProbe{
				URL:    probeURL(svc, deps.Host),
				Client: httpClient(svc.Probe.Insecure, deps.Timeout),
			}, nil
		case domain.ProbeHTTPBody:
			return &HTTPBodyProbe{
				URL:    probeURL(svc, deps.Host),
				Client: httpClient(svc.Probe.Insecure, deps.Timeout),
			}, nil
		case domain.ProbeQueryExec:
			return &QueryProbe{
				Container: domain.ContainerName(svc.Name),
				Command:   expandCommand(svc.Probe.Command, deps.Secrets),
				Exec:      deps.Exec,
			}, nil
		case domain.ProbePortOnly:
			return &PortProbe{
				Address: net.JoinHostPort(deps.Host, fmt.Sprintf("%d", svc.ProbePort())),
				Timeout: deps.Timeout,
			}, nil
		default:
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProbeKind, svc.Probe.Kind)
		}
	}
}

// expandCommand substitutes ${slot_name} placeholders in probe arguments
// with secret values, the same rule container env gets at deploy time. An
// unexpanded placeholder would be sent to the service verbatim and fail
// authentication, misclassifying a healthy service as degraded.
func expandCommand(cmd []string, secrets map[string]string) []string {
	if len(cmd) == 0 {
		return nil
	}
	expanded := make([]string, len(cmd))
	for i, arg := range cmd {
		expanded[i] = os.Expand(arg, func(name string) string {
			return secrets[strings.ToUpper(name)]
		})
	}
	return expanded
}

func probeURL(svc domain.ServiceDescriptor, host string) string {
	scheme := svc.Probe.Scheme
	if scheme == "" {
		scheme = "http"
	}
	path := svc.Probe.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, fmt.Sprintf("%d", svc.ProbePort())), path)
}

func httpClient(insecure bool, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:    10,
		IdleConnTimeout: 30 * time.Second,
	}
	if insecure {
		// Self-signed deployment certificates are expected here.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// =============================================================================
// HTTP Status Probe
// =============================================================================

// HTTPStatusProbe classifies by response status code: any success is Ready,
// an authentication-required answer from a responding endpoint is
// ReadyDegraded, everything else is NotReady.
type HTTPStatusProbe struct {
	URL    string
	Client *http.Client
}

func (p *HTTPStatusProbe) Check(ctx context.Context) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Result{State: NotReady, Detail: fmt.Sprintf("bad probe request: %v", err)}
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{State: NotReady, Detail: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 400:
		return Result{State: Ready, Detail: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{
			State:  ReadyDegraded,
			Detail: fmt.Sprintf("endpoint answering but requires authentication (HTTP %d)", resp.StatusCode),
		}
	default:
		return Result{State: NotReady, Detail: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
}

// =============================================================================
// HTTP Body Probe
// =============================================================================

// degradedMarkers are response fragments that mean "reachable but not fully
// configured yet": the service answers, initialization is simply incomplete.
var degradedMarkers = []string{
	"security_exception",
	"not initialized",
	"security_not_enabled",
	"unauthorized",
}

// HTTPBodyProbe classifies by interpreting a structured response body,
// cluster-health style: status green or yellow is Ready, red is NotReady,
// and initialization/auth errors on an answering endpoint are ReadyDegraded.
type HTTPBodyProbe struct {
	URL    string
	Client *http.Client
}

func (p *HTTPBodyProbe) Check(ctx context.Context) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Result{State: NotReady, Detail: fmt.Sprintf("bad probe request: %v", err)}
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{State: NotReady, Detail: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Result{State: NotReady, Detail: fmt.Sprintf("reading response failed: %v", err)}
	}

	return ClassifyBody(resp.StatusCode, body)
}

// ClassifyBody interprets a cluster-health style response. Exposed so the
// classification rules are testable without a server.
func ClassifyBody(statusCode int, body []byte) Result {
	lower := strings.ToLower(string(body))
	for _, marker := range degradedMarkers {
		if strings.Contains(lower, marker) {
			return Result{
				State:  ReadyDegraded,
				Detail: fmt.Sprintf("endpoint answering, initialization incomplete (%s)", marker),
			}
		}
	}

	var parsed struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{State: NotReady, Detail: "response body is not structured"}
	}

	switch strings.ToLower(parsed.Status) {
	case "green", "yellow":
		return Result{State: Ready, Detail: fmt.Sprintf("cluster status %s", parsed.Status)}
	case "red":
		return Result{State: NotReady, Detail: "cluster status red"}
	}

	if statusCode < 400 {
		return Result{State: Ready, Detail: fmt.Sprintf("HTTP %d with structured body", statusCode)}
	}
	return Result{State: NotReady, Detail: fmt.Sprintf("HTTP %d", statusCode)}
}

// =============================================================================
// Query Exec Probe
// =============================================================================

// authFailureMarkers in query output mean the engine is up but credentials
// are not settled yet, which counts as degraded rather than down.
var authFailureMarkers = []string{
	"access denied",
	"authentication",
	"password",
}

// QueryProbe runs a trivial query inside the service's container and
// requires success.
type QueryProbe struct {
	Container string
	Command   []string
	Exec      ExecRunner
}

func (p *QueryProbe) Check(ctx context.Context) Result {
	if p.Exec == nil {
		return Result{State: NotReady, Detail: "no exec runner configured"}
	}

	exitCode, output, err := p.Exec.Exec(ctx, p.Container, p.Command)
	if err != nil {
		return Result{State: NotReady, Detail: fmt.Sprintf("exec failed: %v", err)}
	}
	if exitCode == 0 {
		return Result{State: Ready, Detail: "query succeeded"}
	}

	lower := strings.ToLower(output)
	for _, marker := range authFailureMarkers {
		if strings.Contains(lower, marker) {
			return Result{
				State:  ReadyDegraded,
				Detail: fmt.Sprintf("engine answering, credentials not settled (exit %d)", exitCode),
			}
		}
	}
	return Result{State: NotReady, Detail: fmt.Sprintf("query failed with exit %d", exitCode)}
}

// =============================================================================
// Port Probe
// =============================================================================

// PortProbe dials the service's published port and requires an open socket.
type PortProbe struct {
	Address string
	Timeout time.Duration

	// dial is injectable for tests.
	dial func(network, address string, timeout time.Duration) (net.Conn, error)
}

func (p *PortProbe) Check(ctx context.Context) Result {
	dial := p.dial
	if dial == nil {
		dial = net.DialTimeout
	}
	conn, err := dial("tcp", p.Address, p.Timeout)
	if err != nil {
		return Result{State: NotReady, Detail: fmt.Sprintf("dial %s: %v", p.Address, err)}
	}
	conn.Close()
	return Result{State: Ready, Detail: fmt.Sprintf("port %s open", p.Address)}
}
