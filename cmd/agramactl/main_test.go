package main

import (
	"bytes"
	"testing"
)

func TestStatsCommandRunsAgainstDefaults(t *testing.T) {
	configPath = ""
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"stats"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
}

func TestStartCommandRunsAgainstDefaults(t *testing.T) {
	configPath = ""
	rootCmd.SetArgs([]string{"start"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
}

func TestIsArgumentError(t *testing.T) {
	if isArgumentError(errWrap{}) {
		t.Fatal("expected a wrapped error to be classified as a startup failure")
	}
}

type errWrap struct{}

func (errWrap) Error() string { return "wrapped" }
func (errWrap) Unwrap() error { return nil }
