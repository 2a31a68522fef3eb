package flow

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
)

func TestAssemble_BuildsPacket(t *testing.T) {
	v := mustTwoSectionVariant()
	a := NewContextAssembler(v)
	canvas := map[models.SectionID]map[string]any{
		"a": {"x": "first answer"},
		"b": {"y": "draft"},
	}

	packet, err := a.Assemble("b", canvas)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if packet.SectionID != "b" || packet.Title != "Section B" {
		t.Errorf("unexpected identity: %s %q", packet.SectionID, packet.Title)
	}
	if packet.Instructions != "Ask for y." {
		t.Errorf("unexpected instructions %q", packet.Instructions)
	}
	if !reflect.DeepEqual(packet.RequiredFields, []string{"y"}) {
		t.Errorf("unexpected required fields %v", packet.RequiredFields)
	}
	if packet.PriorAnswers["a"]["x"] != "first answer" {
		t.Errorf("expected prior answers from referenced section a, got %v", packet.PriorAnswers)
	}
	if _, ok := packet.PriorAnswers["b"]; ok {
		t.Error("unreferenced section leaked into prior answers")
	}
	for _, want := range []string{"Section B", "Ask for y.", "y", `{"x":"first answer"}`} {
		if !strings.Contains(packet.SystemPrompt, want) {
			t.Errorf("system prompt missing %q:\n%s", want, packet.SystemPrompt)
		}
	}
}

func TestAssemble_DeterministicAndSnapshot(t *testing.T) {
	a := NewContextAssembler(mustTwoSectionVariant())
	canvas := map[models.SectionID]map[string]any{"a": {"x": "1", "w": "2"}}

	p1, err := a.Assemble("b", canvas)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	p2, _ := a.Assemble("b", canvas)
	if !reflect.DeepEqual(p1, p2) {
		t.Error("Assemble is not deterministic")
	}

	canvas["a"]["x"] = "mutated"
	if p1.Canvas["a"]["x"] != "1" || p1.PriorAnswers["a"]["x"] != "1" {
		t.Error("packet shares maps with the caller's canvas")
	}
}

func TestAssemble_UnknownSection(t *testing.T) {
	a := NewContextAssembler(mustTwoSectionVariant())
	if _, err := a.Assemble("implementation", nil); err == nil {
		t.Error("expected error for a section outside the variant")
	}
}

func TestAssemble_PromptDirOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "two"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "two", "a.txt"), []byte("  Custom prompt for A.\n"), 0644); err != nil {
		t.Fatal(err)
	}

	a := NewContextAssembler(mustTwoSectionVariant(), WithPromptDir(dir))
	packet, err := a.Assemble("a", nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if packet.Instructions != "Custom prompt for A." {
		t.Errorf("expected override, got %q", packet.Instructions)
	}
	packet, _ = a.Assemble("b", nil)
	if packet.Instructions != "Ask for y." {
		t.Errorf("expected catalog prompt without override, got %q", packet.Instructions)
	}
}
