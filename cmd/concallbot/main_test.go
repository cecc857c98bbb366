package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	csv := "Company Name,Symbol\nInfosys Ltd.,INFY\nHDFC Asset Management Company Ltd.,HDFCAMC\n"
	if err := os.WriteFile(filepath.Join(dir, "universe.csv"), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := "universe:\n  path: " + filepath.Join(dir, "universe.csv") + "\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMatchCommand(t *testing.T) {
	cfg := writeFixture(t)
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", cfg, "match", "Infosys Limited", "HDFC Asset Mngt. Co"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("match: %v\n%s", err, out.String())
	}
	got := out.String()
	if !strings.Contains(got, "Infosys Ltd. [INFY]") {
		t.Fatalf("output missing infosys match:\n%s", got)
	}
	if !strings.Contains(got, "HDFC Asset Management Company Ltd. [HDFCAMC]") {
		t.Fatalf("output missing hdfc match:\n%s", got)
	}
}

func TestMatchCommandReportsMisses(t *testing.T) {
	cfg := writeFixture(t)
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"-c", cfg, "match", "Totally Unknown Widgets"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "1 of 1") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(out.String(), "no match") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunRequiresConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"-c", filepath.Join(t.TempDir(), "missing.yaml"), "once"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing config")
	}
}
