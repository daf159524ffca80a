package scene

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const DocumentVersion = "1.0"

// TimelineState is UI state persisted alongside the scene
type TimelineState struct {
	Scale float64 `yaml:"scale" json:"scale"` // pixels per second of the timeline ruler
}

// Document is the save/load unit: the scene plus timeline UI state
type Document struct {
	Version  string        `yaml:"version" json:"version"`
	Scene    `yaml:",inline"`
	Timeline TimelineState `yaml:"timeline" json:"timeline"`
}

// NewDocument wraps a scene with default UI state.
func NewDocument(s Scene) *Document {
	return &Document{
		Version:  DocumentVersion,
		Scene:    s,
		Timeline: TimelineState{Scale: 100},
	}
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// Marshal encodes the document as YAML, or JSON when asJSON is set.
func (d *Document) Marshal(asJSON bool) ([]byte, error) {
	if asJSON {
		return json.MarshalIndent(d, "", "  ")
	}
	return yaml.Marshal(d)
}

// Unmarshal decodes a YAML or JSON document.
func Unmarshal(data []byte, asJSON bool) (*Document, error) {
	var doc Document
	var err error
	if asJSON {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, err
	}
	if doc.Version == "" {
		doc.Version = DocumentVersion
	}
	if doc.Aspect == "" {
		doc.Aspect = Aspect16x9
	}
	return &doc, nil
}

// WriteDocument writes the document to path, picking the format by extension.
func WriteDocument(doc *Document, path string) error {
	data, err := doc.Marshal(isJSON(path))
	if err != nil {
		return err
	}

	// Пишем во временный файл рядом, затем переименовываем, чтобы наблюдатели не видели половину документа
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadDocument reads a document from path, picking the format by extension.
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc, err := Unmarshal(data, isJSON(path))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}
