// Package sandbox implements the Sandbox Substrate (spec §4.A): a hermetic,
// network-restricted execution environment scoped to a single pipeline's
// lifetime, with a tool-gateway endpoint the sandboxed program can call to
// reach the Research provider.
//
// Grounded on internal/instruments/docker.go DockerSandbox:
// the same --network none / --cap-drop=ALL / --read-only / tmpfs-/tmp
// invocation shape is kept, generalized from a single shared sandbox into
// one-sandbox-per-pipeline with acquire/release lifecycle and a tool
// gateway token.
package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable classifies a sandbox-provider outage (spec §7
// ProviderUnavailable). Callers match it with errors.Is.
var ErrUnavailable = fmt.Errorf("sandbox provider unavailable")

// ExecResult captures the output of one exec() call inside a sandbox.
type ExecResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	ElapsedMs int64
	OOMKilled bool
	TimedOut  bool
}

// Sandbox is the per-pipeline hermetic execution environment (spec §4.A's
// public contract).
type Sandbox interface {
	ID() string
	Exec(ctx context.Context, language, code string, timeout time.Duration) (*ExecResult, error)
	WriteFile(path string, data []byte) error
	ReadFile(path string) ([]byte, error)
	ToolEndpoint() (url, bearerToken string)
	// Release tears the sandbox down. Idempotent; must never panic or
	// return an error that the caller cannot safely ignore.
	Release() error
}

// Config controls resource limits and lifetime for sandboxes created by a
// Provider. Mirrors DockerSandbox.SandboxConfig, renamed to this domain.
type Config struct {
	Image       string
	MemoryMB    int
	CPUs        float64
	ExecTimeout time.Duration // per-exec default (spec: 60s)
	SandboxTTL  time.Duration // sandbox-wide lifetime (spec: 10min)
	NetworkMode string
	WorkDir     string
}

// DefaultConfig returns the resource limits named in spec §4.A/§5.
func DefaultConfig() Config {
	return Config{
		Image:       "simengine-trial-runtime",
		MemoryMB:    512,
		CPUs:        1.0,
		ExecTimeout: 60 * time.Second,
		SandboxTTL:  10 * time.Minute,
		NetworkMode: "none",
		WorkDir:     "/workspace",
	}
}

// Provider acquires and tracks sandboxes. One Provider instance is shared
// read-only across pipelines (spec §5: "LLM, research, and sandbox
// provider clients are shared read-only handles").
type Provider interface {
	Acquire(ctx context.Context) (Sandbox, error)
}

// LocalDockerProvider creates sandboxes backed by local `docker run`,
// one container invocation per Exec call, gated by a tool-gateway token
// minted at acquire time. This is the engine's default provider; a real
// deployment would swap this for a hosted sandbox-as-a-service client
// (the spec treats the provider as an opaque capability — see §6).
type LocalDockerProvider struct {
	cfg     Config
	gateway GatewayMinter

	mu       sync.Mutex
	liveByID map[string]*dockerSandbox
}

// GatewayMinter mints a tool-gateway URL and a bearer token scoped to one
// sandbox. Implementations must not log the token (spec §9 design note).
type GatewayMinter interface {
	Mint(sandboxID string) (url, bearerToken string)
}

// NewLocalDockerProvider creates a provider with the given resource
// config and gateway minter.
func NewLocalDockerProvider(cfg Config, gateway GatewayMinter) *LocalDockerProvider {
	return &LocalDockerProvider{
		cfg:      cfg,
		gateway:  gateway,
		liveByID: make(map[string]*dockerSandbox),
	}
}

// Acquire creates a new single-use sandbox. Fails with ErrUnavailable if
// docker is not reachable.
func (p *LocalDockerProvider) Acquire(ctx context.Context) (Sandbox, error) {
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("acquire sandbox: %w: %w", ErrUnavailable, err)
	}

	id := uuid.NewString()
	var url, token string
	if p.gateway != nil {
		url, token = p.gateway.Mint(id)
	}

	ttlCtx, cancel := context.WithTimeout(context.Background(), p.cfg.SandboxTTL)
	sb := &dockerSandbox{
		id:        id,
		cfg:       p.cfg,
		toolURL:   url,
		toolToken: token,
		ttlCtx:    ttlCtx,
		ttlCancel: cancel,
		createdAt: time.Now(),
		provider:  p,
	}

	p.mu.Lock()
	p.liveByID[id] = sb
	p.mu.Unlock()

	return sb, nil
}

// LiveCount returns the number of sandboxes currently acquired and not yet
// released, for enforcing/observing the BATCH_CONCURRENCY cap (spec §8
// "Concurrency cap: at any instant the number of live sandboxes ≤
// BATCH_CONCURRENCY").
func (p *LocalDockerProvider) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.liveByID)
}

func (p *LocalDockerProvider) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.liveByID, id)
}

type dockerSandbox struct {
	id        string
	cfg       Config
	toolURL   string
	toolToken string
	ttlCtx    context.Context
	ttlCancel context.CancelFunc
	createdAt time.Time

	mu       sync.Mutex
	released bool
	provider *LocalDockerProvider
}

func (s *dockerSandbox) ID() string { return s.id }

func (s *dockerSandbox) ToolEndpoint() (string, string) { return s.toolURL, s.toolToken }

// Exec runs code in a Docker container, piping the code via stdin to the
// language interpreter, honoring the per-exec timeout and refusing to
// start once the sandbox-wide TTL has passed.
func (s *dockerSandbox) Exec(ctx context.Context, language, code string, timeout time.Duration) (*ExecResult, error) {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return nil, fmt.Errorf("exec on released sandbox %s", s.id)
	}

	if timeout <= 0 || timeout > s.cfg.ExecTimeout {
		timeout = s.cfg.ExecTimeout
	}

	interpreter, err := languageInterpreter(language)
	if err != nil {
		return nil, err
	}

	args := []string{
		"run", "--rm", "-i",
		"--memory", fmt.Sprintf("%dm", s.cfg.MemoryMB),
		"--cpus", fmt.Sprintf("%.1f", s.cfg.CPUs),
		"--network", s.cfg.NetworkMode,
		"--workdir", s.cfg.WorkDir,
		"--cap-drop=ALL",
		"--read-only",
		"--tmpfs", "/tmp:size=64m",
		"-e", fmt.Sprintf("TOOL_GATEWAY_URL=%s", s.toolURL),
		"-e", fmt.Sprintf("TOOL_GATEWAY_TOKEN=%s", s.toolToken),
		s.cfg.Image,
		interpreter[0],
	}
	args = append(args, interpreter[1:]...)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// An exec is refused once the sandbox-wide TTL has passed; an exec
	// already running is bounded by its own timeout only.
	select {
	case <-s.ttlCtx.Done():
		return nil, fmt.Errorf("sandbox %s exceeded its lifetime", s.id)
	default:
	}

	cmd := exec.CommandContext(execCtx, "docker", args...)
	cmd.Stdin = strings.NewReader(code)

	start := time.Now()
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	result := &ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ElapsedMs: elapsed,
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		if result.ExitCode == 137 {
			result.OOMKilled = true
		}
		return result, nil
	}

	if runErr != nil {
		return nil, fmt.Errorf("docker run: %w", runErr)
	}

	result.ExitCode = 0
	return result, nil
}

// WriteFile and ReadFile are not implemented for the Docker provider in
// this build: code is always passed via stdin per Exec, and the engine
// has no need to read artifacts back out of a container that no longer
// exists after Exec returns. A hosted sandbox provider with a persistent
// filesystem (the real external collaborator per spec §6) would implement
// these against its own file API.
func (s *dockerSandbox) WriteFile(path string, data []byte) error {
	return fmt.Errorf("sandbox %s: WriteFile not supported by local docker provider", s.id)
}

func (s *dockerSandbox) ReadFile(path string) ([]byte, error) {
	return nil, fmt.Errorf("sandbox %s: ReadFile not supported by local docker provider", s.id)
}

// Release idempotently tears down the sandbox. Must never throw (spec
// §4.A: "release() must not throw").
func (s *dockerSandbox) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	s.ttlCancel()
	if s.provider != nil {
		s.provider.forget(s.id)
	}
	return nil
}

func languageInterpreter(lang string) ([]string, error) {
	switch strings.ToLower(lang) {
	case "python", "py":
		return []string{"python3", "-"}, nil
	case "javascript", "js", "node":
		return []string{"node", "-"}, nil
	default:
		return nil, fmt.Errorf("unsupported simulation language: %s", lang)
	}
}
