package agent

import (
	"slices"
	"testing"
)

func TestBuildCommandDefault(t *testing.T) {
	bin, args, err := BuildCommand("", false)
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	if bin != DefaultCommand {
		t.Errorf("bin = %q, want %q", bin, DefaultCommand)
	}
	if !slices.Contains(args, "--output-format") {
		t.Errorf("stream-json args missing: %v", args)
	}
	if slices.Contains(args, "--continue") {
		t.Errorf("fresh session should not pass --continue: %v", args)
	}
}

func TestBuildCommandResume(t *testing.T) {
	_, args, err := BuildCommand("", true)
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	if !slices.Contains(args, "--continue") {
		t.Errorf("resume should pass --continue: %v", args)
	}
}

func TestBuildCommandOverride(t *testing.T) {
	tests := []struct {
		name     string
		override string
		wantBin  string
		wantArg  string
	}{
		{"plain path", "/opt/claude/bin/claude", "/opt/claude/bin/claude", ""},
		{"with args", "npx claude", "npx", "claude"},
		{"quoted arg", `claude --profile "my profile"`, "claude", "my profile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin, args, err := BuildCommand(tt.override, false)
			if err != nil {
				t.Fatalf("BuildCommand(%q) failed: %v", tt.override, err)
			}
			if bin != tt.wantBin {
				t.Errorf("bin = %q, want %q", bin, tt.wantBin)
			}
			if tt.wantArg != "" && !slices.Contains(args, tt.wantArg) {
				t.Errorf("args = %v, want to contain %q", args, tt.wantArg)
			}
		})
	}
}

func TestBuildCommandInvalid(t *testing.T) {
	if _, _, err := BuildCommand(`claude --profile "unclosed`, false); err == nil {
		t.Error("expected error for unclosed quote")
	}
	if _, _, err := BuildCommand("   ", false); err == nil {
		t.Error("expected error for blank command")
	}
}

func TestLookupBinaryMissing(t *testing.T) {
	if _, err := LookupBinary("keeper-no-such-binary-xyz"); err == nil {
		t.Error("expected error for missing binary")
	}
}
