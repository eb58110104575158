package runner

import "testing"

func TestNewDefaultsToExec(t *testing.T) {
	r, err := New(nil, "/tmp/work", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if r.Type() != "exec" {
		t.Errorf("Type = %q, want exec", r.Type())
	}
	if r.IsRestricted() {
		t.Error("exec runner should not be restricted")
	}
	if r.FallbackInfo != nil {
		t.Error("exec runner should not record a fallback")
	}
}

func TestNewUnknownTypeFallsBack(t *testing.T) {
	// Docker is typically unavailable in test environments; either a working
	// docker runner or a recorded fallback to exec is acceptable.
	r, err := New(&Config{Type: "docker"}, "/tmp/work", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if r.Type() != "docker" && r.Type() != "exec" {
		t.Errorf("Type = %q, want docker or exec", r.Type())
	}
	if r.Type() == "exec" && r.FallbackInfo == nil {
		t.Error("fallback to exec should record FallbackInfo")
	}
}

func TestNewRecordsExpandedRestrictions(t *testing.T) {
	cfg := &Config{
		Restrictions: &Restrictions{AllowReadFolders: []string{"${workdir}"}},
	}
	r, err := New(cfg, "/home/dev/project", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := r.Restrictions().AllowReadFolders[0]; got != "/home/dev/project" {
		t.Errorf("read folder = %q, want expanded working dir", got)
	}

	bare, err := New(nil, "/home/dev/project", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if bare.Restrictions() != nil {
		t.Error("unrestricted runner should report nil restrictions")
	}
}

func TestExpandRestrictions(t *testing.T) {
	allow := true
	in := &Restrictions{
		AllowNetworking:   &allow,
		AllowReadFolders:  []string{"${workdir}", "/usr/share"},
		AllowWriteFolders: []string{"${workdir}/out"},
	}

	got := expandRestrictions(in, "/home/dev/project")
	if got.AllowReadFolders[0] != "/home/dev/project" {
		t.Errorf("read folder = %q", got.AllowReadFolders[0])
	}
	if got.AllowWriteFolders[0] != "/home/dev/project/out" {
		t.Errorf("write folder = %q", got.AllowWriteFolders[0])
	}
	if got.AllowNetworking == nil || !*got.AllowNetworking {
		t.Error("networking flag lost in expansion")
	}

	if expandRestrictions(nil, "/x") != nil {
		t.Error("nil restrictions should stay nil")
	}
}

func TestToRunnerOptions(t *testing.T) {
	if len(toRunnerOptions(nil)) != 0 {
		t.Error("nil restrictions should produce empty options")
	}

	deny := false
	opts := toRunnerOptions(&Restrictions{
		AllowNetworking:  &deny,
		AllowReadFolders: []string{"/a"},
	})
	if opts["allow_networking"] != false {
		t.Error("allow_networking not mapped")
	}
	if _, ok := opts["allow_write_folders"]; ok {
		t.Error("empty write folders should be omitted")
	}
}
