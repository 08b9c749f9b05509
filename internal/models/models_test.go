package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestJoinSplitLabels(t *testing.T) {
	csv := JoinLabels([]string{" bug ", "ui", "bug", "", "feature"})
	if csv != "bug,ui,feature" {
		t.Fatalf("unexpected csv %q", csv)
	}

	labels := SplitLabels(csv)
	if len(labels) != 3 || labels[0] != "bug" || labels[2] != "feature" {
		t.Fatalf("unexpected labels %v", labels)
	}

	if JoinLabels(nil) != "" {
		t.Fatal("empty list must produce empty csv")
	}
	if SplitLabels("  ") != nil {
		t.Fatal("blank csv must produce nil")
	}
}

func TestRepoKey(t *testing.T) {
	owner, repo := RepoKey("  Acme ", "WiDGets")
	if owner != "acme" || repo != "widgets" {
		t.Fatalf("unexpected key %s/%s", owner, repo)
	}
}

func TestRepoConfigSanitizedOmitsCredential(t *testing.T) {
	cfg := RepoConfig{
		Owner: "acme", Repo: "widgets",
		TokenEncrypted: "sealed-credential", PageSize: 50,
	}

	raw, err := json.Marshal(cfg.Sanitized())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "sealed-credential") {
		t.Fatalf("sanitized view leaks credential: %s", raw)
	}

	// The full struct also keeps the credential out of JSON.
	raw, err = json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "sealed-credential") {
		t.Fatalf("config JSON leaks credential: %s", raw)
	}
}
