package syncengine

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed vocabulary.yaml
var defaultVocabularyYAML []byte

type vocabularyFile struct {
	Version    int                        `yaml:"version"`
	Status     map[string]vocabularyTable `yaml:"status"`
	Importance map[string]vocabularyTable `yaml:"importance"`
}

type vocabularyTable struct {
	Default string            `yaml:"default"`
	Entries map[string]string `yaml:"entries"`
}

// Vocabulary translates Graph list values into Wrike ids. It is immutable
// once built and safe for concurrent use.
type Vocabulary struct {
	version    int
	status     map[RecordKind]vocabularyTable
	importance map[RecordKind]vocabularyTable
}

// DefaultVocabulary returns the tables compiled into the binary.
func DefaultVocabulary() *Vocabulary {
	vocab, err := ParseVocabulary(defaultVocabularyYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded vocabulary: %v", err))
	}
	return vocab
}

// ParseVocabulary builds a Vocabulary from YAML. Every kind must carry a
// default for both tables so that lookups never fail.
func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var file vocabularyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode vocabulary: %w", err)
	}
	status, err := buildVocabularyTables("status", file.Status)
	if err != nil {
		return nil, err
	}
	importance, err := buildVocabularyTables("importance", file.Importance)
	if err != nil {
		return nil, err
	}
	return &Vocabulary{version: file.Version, status: status, importance: importance}, nil
}

func buildVocabularyTables(field string, raw map[string]vocabularyTable) (map[RecordKind]vocabularyTable, error) {
	out := make(map[RecordKind]vocabularyTable, len(allKinds))
	for name, table := range raw {
		kind, err := ParseRecordKind(name)
		if err != nil {
			return nil, fmt.Errorf("vocabulary %s: %w", field, err)
		}
		entries := make(map[string]string, len(table.Entries))
		for key, value := range table.Entries {
			entries[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
		out[kind] = vocabularyTable{Default: strings.TrimSpace(table.Default), Entries: entries}
	}
	for _, kind := range allKinds {
		if out[kind].Default == "" {
			return nil, fmt.Errorf("%w: vocabulary %s has no default for %s", ErrInvalidInput, field, kind)
		}
	}
	return out, nil
}

func (v *Vocabulary) Version() int {
	return v.version
}

// StatusID returns the Wrike custom status for a Graph status name, or the
// kind's default when the name is unknown.
func (v *Vocabulary) StatusID(kind RecordKind, name string) string {
	return v.status[kind].lookup(name)
}

// Importance maps a Graph priority onto a Wrike importance level.
func (v *Vocabulary) Importance(kind RecordKind, priority string) string {
	return v.importance[kind].lookup(priority)
}

func (t vocabularyTable) lookup(value string) string {
	if id, ok := t.Entries[strings.TrimSpace(value)]; ok && id != "" {
		return id
	}
	return t.Default
}
