package raptorconfig

import "testing"

func sampleTree() *Tree {
	return New(map[string]any{
		"LOG_DIR": "/tmp/raptord/logs",
		"SERVICES": map[string]any{
			"bc": map[string]any{
				"command": "bc -l",
				"env":     map[string]any{"FOO": "bar"},
			},
		},
		"GROUPS": map[string]any{
			"startup": []any{"bc"},
		},
	})
}

func TestGetDottedPath(t *testing.T) {
	tr := sampleTree()
	v, err := tr.Get("SERVICES.bc.command")
	if err != nil {
		t.Fatal(err)
	}
	if v != "bc -l" {
		t.Fatalf("got %v, want %q", v, "bc -l")
	}
}

func TestGetArrayIndex(t *testing.T) {
	tr := sampleTree()
	v, err := tr.Get("GROUPS.startup.0")
	if err != nil {
		t.Fatal(err)
	}
	if v != "bc" {
		t.Fatalf("got %v, want %q", v, "bc")
	}
}

func TestGetUnknownPathIsFieldError(t *testing.T) {
	tr := sampleTree()
	_, err := tr.Get("SERVICES.nope.command")
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	var fe *FieldError
	if !asFieldError(err, &fe) {
		t.Fatalf("expected *FieldError, got %T", err)
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	tr := sampleTree()
	if err := tr.Set("SERVICES.bc.cwd", "/srv"); err != nil {
		t.Fatal(err)
	}
	v, err := tr.Get("SERVICES.bc.cwd")
	if err != nil {
		t.Fatal(err)
	}
	if v != "/srv" {
		t.Fatalf("got %v, want %q", v, "/srv")
	}
}

func TestSetCreatesMissingIntermediateObjects(t *testing.T) {
	tr := New(map[string]any{})
	if err := tr.Set("SERVICES.newsvc.command", "true"); err != nil {
		t.Fatal(err)
	}
	v, err := tr.Get("SERVICES.newsvc.command")
	if err != nil {
		t.Fatal(err)
	}
	if v != "true" {
		t.Fatalf("got %v, want %q", v, "true")
	}
}

func TestUpdateShallowMergesObject(t *testing.T) {
	tr := sampleTree()
	if err := tr.Update("SERVICES.bc", map[string]any{"cwd": "/srv"}); err != nil {
		t.Fatal(err)
	}
	cmd, err := tr.Get("SERVICES.bc.command")
	if err != nil || cmd != "bc -l" {
		t.Fatalf("existing field clobbered by Update: %v, %v", cmd, err)
	}
	cwd, err := tr.Get("SERVICES.bc.cwd")
	if err != nil || cwd != "/srv" {
		t.Fatalf("Update did not add new field: %v, %v", cwd, err)
	}
}

func TestMergeIsOneLevelDeep(t *testing.T) {
	tr := New(map[string]any{
		"SERVICES": map[string]any{
			"bc": map[string]any{
				"command": "bc -l",
				"env":     map[string]any{"FOO": "bar", "BAZ": "qux"},
			},
			"sleep": map[string]any{"command": "sleep 1"},
		},
	})

	tr.Merge(map[string]any{
		"SERVICES": map[string]any{
			// Replaces "bc" wholesale — nested merge does not reach into
			// "bc.env"; "BAZ" is lost because "env" itself is replaced,
			// not deep-merged, at the second level.
			"bc": map[string]any{"env": map[string]any{"FOO": "new"}},
		},
		"LOG_DIR": "/var/log/raptord",
	})

	bc, err := tr.Get("SERVICES.bc")
	if err != nil {
		t.Fatal(err)
	}
	bcObj, ok := AsObject(bc)
	if !ok {
		t.Fatalf("SERVICES.bc is not an object: %v", bc)
	}
	if _, hasCommand := bcObj["command"]; hasCommand {
		t.Fatal("expected \"bc\" entry replaced wholesale (command should be gone)")
	}
	env, _ := AsObject(bcObj["env"])
	if env["FOO"] != "new" {
		t.Fatalf("env.FOO = %v, want %q", env["FOO"], "new")
	}
	if _, hasBaz := env["BAZ"]; hasBaz {
		t.Fatal("expected nested BAZ dropped — merge is one level deep only")
	}

	sleepCmd, err := tr.Get("SERVICES.sleep.command")
	if err != nil || sleepCmd != "sleep 1" {
		t.Fatalf("unrelated sibling key SERVICES.sleep was disturbed: %v, %v", sleepCmd, err)
	}

	logDir, err := tr.Get("LOG_DIR")
	if err != nil || logDir != "/var/log/raptord" {
		t.Fatalf("scalar top-level key not replaced: %v, %v", logDir, err)
	}
}

func TestParseRoundTrip(t *testing.T) {
	tr, err := Parse([]byte(`{"LOG_DIR":"/tmp","SERVICES":{"bc":{"command":"bc"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	v, err := tr.Get("SERVICES.bc.command")
	if err != nil || v != "bc" {
		t.Fatalf("got %v, %v", v, err)
	}
}
