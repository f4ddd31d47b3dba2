package security

import "testing"

func TestArtifactScannerDetectsNetwork(t *testing.T) {
	s := NewArtifactScanner()
	code := "import socket\ndef run_trial(seed):\n    return 0.5, None\n"
	clean, violations := s.Clean(code)
	if clean {
		t.Fatal("expected network import to be flagged")
	}
	if len(violations) == 0 || violations[0].Reason != "network access import" {
		t.Errorf("unexpected violations: %+v", violations)
	}
}

func TestArtifactScannerAllowsTmpWrites(t *testing.T) {
	s := NewArtifactScanner()
	code := `open("/tmp/scratch.txt", "w")`
	clean, violations := s.Clean(code)
	if !clean {
		t.Errorf("expected /tmp write to be allowed, got violations: %+v", violations)
	}
}

func TestArtifactScannerFlagsWritesOutsideTmp(t *testing.T) {
	s := NewArtifactScanner()
	code := `open("/etc/passwd", "w")`
	clean, _ := s.Clean(code)
	if clean {
		t.Fatal("expected write outside /tmp to be flagged")
	}
}

func TestArtifactScannerCleanCode(t *testing.T) {
	s := NewArtifactScanner()
	code := "def run_trial(seed):\n    import random\n    random.seed(seed)\n    return random.random(), None\n"
	clean, violations := s.Clean(code)
	if !clean {
		t.Errorf("expected clean code, got violations: %+v", violations)
	}
}

func TestViolationsError(t *testing.T) {
	if err := ViolationsError(nil); err != nil {
		t.Errorf("expected nil error for no violations, got %v", err)
	}
	err := ViolationsError([]Violation{{Pattern: "import socket", Reason: "network access import"}})
	if err == nil {
		t.Fatal("expected non-nil error for violations")
	}
}
