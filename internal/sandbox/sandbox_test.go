package sandbox

import "testing"

type staticGateway struct{}

func (staticGateway) Mint(sandboxID string) (string, string) {
	return "http://127.0.0.1:9999/tools/" + sandboxID, "token-" + sandboxID
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := NewLocalDockerProvider(DefaultConfig(), staticGateway{})
	sb := &dockerSandbox{id: "sb-1", provider: p, ttlCancel: func() {}}
	p.liveByID["sb-1"] = sb

	if err := sb.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if p.LiveCount() != 0 {
		t.Errorf("LiveCount after release = %d, want 0", p.LiveCount())
	}
	if err := sb.Release(); err != nil {
		t.Fatalf("second Release must not error: %v", err)
	}
}

func TestExecOnReleasedSandboxFails(t *testing.T) {
	sb := &dockerSandbox{id: "sb-2", released: true, ttlCancel: func() {}}
	_, err := sb.Exec(nil, "python", "print(1)", 0) //nolint:staticcheck // nil ctx acceptable: Exec returns before using it
	if err == nil {
		t.Fatal("expected error executing on a released sandbox")
	}
}

func TestLanguageInterpreterUnsupported(t *testing.T) {
	if _, err := languageInterpreter("ruby"); err == nil {
		t.Fatal("expected error for unsupported language")
	}
}

func TestToolEndpointMinted(t *testing.T) {
	p := NewLocalDockerProvider(DefaultConfig(), staticGateway{})
	url, token := staticGateway{}.Mint("sb-3")
	sb := &dockerSandbox{id: "sb-3", toolURL: url, toolToken: token, provider: p}
	gotURL, gotToken := sb.ToolEndpoint()
	if gotURL != url || gotToken != token {
		t.Errorf("ToolEndpoint() = (%q, %q), want (%q, %q)", gotURL, gotToken, url, token)
	}
}
