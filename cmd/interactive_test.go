package cmd

import (
	"strings"
	"testing"

	"github.com/dstockto/labprep/models"
)

func TestSelectProtocolSimple(t *testing.T) {
	protocols := testDiscovered()

	got, canceled, err := selectProtocolSimple(strings.NewReader("2\n"), protocols)
	if err != nil || canceled {
		t.Fatalf("selectProtocolSimple() = %v, %v", canceled, err)
	}
	if got.Path != "/p/kf.yaml" {
		t.Errorf("selected %q", got.Path)
	}

	if _, canceled, err := selectProtocolSimple(strings.NewReader("\n"), protocols); !canceled || err != nil {
		t.Errorf("empty answer = %v, %v, want canceled", canceled, err)
	}
	if _, _, err := selectProtocolSimple(strings.NewReader("7\n"), protocols); err == nil {
		t.Error("expected an error for an out of range selection")
	}
}

func TestWaitForEnter(t *testing.T) {
	if err := waitForEnter(strings.NewReader("\n"), "Replace tips."); err != nil {
		t.Errorf("waitForEnter() = %v", err)
	}
	if err := waitForEnter(strings.NewReader(""), "Replace tips."); err != nil {
		t.Errorf("waitForEnter() at EOF = %v", err)
	}
}

func TestIsInteractiveAllowedFlag(t *testing.T) {
	if isInteractiveAllowed(true) {
		t.Error("--non-interactive must disable prompts")
	}
}

func testDiscovered() []DiscoveredProtocol {
	return []DiscoveredProtocol{
		{Path: "/p/station-c.yaml", DisplayName: "./station-c.yaml", Protocol: &models.ProtocolFile{Name: "Station C"}},
		{Path: "/p/kf.yaml", DisplayName: "./kf.yaml", Protocol: &models.ProtocolFile{Name: "KF Pathogen"}},
	}
}
