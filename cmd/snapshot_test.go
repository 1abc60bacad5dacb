package cmd

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSnapshotCapturesWorkingTree(t *testing.T) {
	repo, out := setupCmd(t)
	head := repo.Head()
	status := repo.Status()
	snapshotBase = ""
	snapshotParent = ""
	snapshotOutput = outputFormat{json: true}
	defer func() { snapshotOutput = outputFormat{} }()

	if err := runSnapshot(nil, []string{}); err != nil {
		t.Fatalf("snapshot command failed: %v", err)
	}

	var v snapshotView
	if err := json.Unmarshal(out.Bytes(), &v); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if v.CommitID == "" || v.TreeID == "" {
		t.Fatalf("snapshot is missing ids: %+v", v)
	}
	if v.Parent != head || v.BaseCommit != head {
		t.Errorf("expected the snapshot to be parented on HEAD %s, got %+v", head, v.Snapshot)
	}
	if v.EpochAtCapture != 1 {
		t.Errorf("expected epoch 1, got %d", v.EpochAtCapture)
	}
	if len(v.ChangedPaths) != 1 || v.ChangedPaths[0] != "main.go" {
		t.Errorf("expected main.go to be the only change, got %v", v.ChangedPaths)
	}
	if got := repo.GetFileContent(v.CommitID, "main.go"); got != "package main" {
		t.Errorf("snapshot content mismatch: %q", got)
	}

	if repo.Head() != head {
		t.Error("snapshot moved HEAD")
	}
	if repo.Status() != status {
		t.Errorf("snapshot changed the working tree status:\n%s", repo.Status())
	}
}

func TestSnapshotHumanOutput(t *testing.T) {
	_, out := setupCmd(t)
	snapshotOutput = outputFormat{}

	if err := runSnapshot(nil, []string{}); err != nil {
		t.Fatalf("snapshot command failed: %v", err)
	}
	if !strings.Contains(out.String(), "Changed (1)") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}
