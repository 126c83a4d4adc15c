package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type memArtifacts struct {
	docs map[string]string
	seq  int
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{docs: make(map[string]string)}
}

func (m *memArtifacts) Share(text string) (string, string, error) {
	m.seq++
	id := "doc-" + strings.Repeat("x", m.seq)
	m.docs[id] = text
	return id, "https://artifacts.example/" + id, nil
}

func (m *memArtifacts) Read(id string) (string, error) {
	text, ok := m.docs[id]
	if !ok {
		return "", errors.New("no such artifact")
	}
	return text, nil
}

func (m *memArtifacts) Update(id, text string) (string, error) {
	if _, ok := m.docs[id]; !ok {
		return "", errors.New("no such artifact")
	}
	m.docs[id] = text
	return "https://artifacts.example/" + id, nil
}

func TestShareArtifactReturnsIDAndURL(t *testing.T) {
	store := newMemArtifacts()
	tool := &ShareArtifactTool{Store: store}

	out, isErr := tool.Execute(context.Background(), map[string]interface{}{"text": "a long document"})
	if isErr {
		t.Fatalf("unexpected tool error: %s", out)
	}
	if !strings.Contains(out, "doc-x") || !strings.Contains(out, "https://artifacts.example/") {
		t.Fatalf("out = %q", out)
	}
}

func TestEditArtifactReplacesUniqueFragment(t *testing.T) {
	store := newMemArtifacts()
	id, _, _ := store.Share("the quick brown fox")
	tool := &EditArtifactTool{Store: store}

	out, isErr := tool.Execute(context.Background(), map[string]interface{}{"id": id, "find": "brown", "replace": "red"})
	if isErr {
		t.Fatalf("unexpected tool error: %s", out)
	}
	if store.docs[id] != "the quick red fox" {
		t.Fatalf("doc = %q", store.docs[id])
	}
}

func TestEditArtifactRejectsAmbiguousFragment(t *testing.T) {
	store := newMemArtifacts()
	id, _, _ := store.Share("aa bb aa")
	tool := &EditArtifactTool{Store: store}

	if out, isErr := tool.Execute(context.Background(), map[string]interface{}{"id": id, "find": "aa", "replace": "cc"}); !isErr {
		t.Fatalf("expected error for ambiguous fragment, got %q", out)
	}
	if out, isErr := tool.Execute(context.Background(), map[string]interface{}{"id": id, "find": "zz", "replace": "cc"}); !isErr {
		t.Fatalf("expected error for absent fragment, got %q", out)
	}
}

func TestRegistryHidesQuestToolsWithoutQuestContext(t *testing.T) {
	store := newMemArtifacts()
	r := NewRegistry(
		&ShareArtifactTool{Store: store},
		&SubquestStartTool{},
		&QuestSnoozeTool{},
	)

	defs := r.BuildTools(context.Background(), "libera#test")
	for _, d := range defs {
		if d.Name == "subquest_start" || d.Name == "quest_snooze" {
			t.Fatalf("quest-context tool %s surfaced outside a quest step", d.Name)
		}
	}
	if len(defs) != 1 || defs[0].Name != "share_artifact" {
		t.Fatalf("defs = %+v", defs)
	}
}
