package prompts

import (
	"strings"
	"testing"
	"time"
)

func TestInstructions_ContainsKeyPhrases(t *testing.T) {
	got := Instructions()

	phrases := []string{
		"electric vehicle",
		"retrieveEVKnowledge",
		"Never ask for, mention or expose internal identifiers",
		"YYYY-MM-DD",
	}
	for _, phrase := range phrases {
		if !strings.Contains(got, phrase) {
			t.Errorf("instructions missing %q", phrase)
		}
	}
}

func TestInstructions_Static(t *testing.T) {
	if Instructions() != Instructions() {
		t.Fatal("instructions must not vary between calls")
	}
	if strings.Contains(Instructions(), "%") {
		t.Error("instructions contain an uninterpolated verb")
	}
}

func TestUserContext(t *testing.T) {
	now := time.Date(2025, 7, 1, 15, 4, 5, 0, time.UTC)

	got := UserContext("Alice", now)
	if !strings.Contains(got, "first name is Alice") {
		t.Errorf("missing name: %s", got)
	}
	if !strings.Contains(got, "2025-07-01 15:04:05 (Tuesday)") {
		t.Errorf("missing time: %s", got)
	}

	anon := UserContext("  ", now)
	if !strings.Contains(anon, "not known") || strings.Contains(anon, "first name is") {
		t.Errorf("blank name context = %s", anon)
	}
}

func TestKnowledgeAnswer(t *testing.T) {
	got := KnowledgeAnswer([]string{"Level 2 uses 240 V.", "CCS combines AC and DC pins."}, "  What is CCS? ")

	for _, want := range []string{"Level 2 uses 240 V.", "CCS combines AC and DC pins.", "---", "Question:\nWhat is CCS?", "say you don't know"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
