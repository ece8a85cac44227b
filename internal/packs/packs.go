// Package packs bundles runbooks as OCI artifacts so teams can
// distribute them through a container registry.
package packs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OCI media types for pack artifacts.
const (
	ArtifactType     = "application/vnd.praetor.pack.v1"
	MediaTypeConfig  = "application/vnd.praetor.pack.config.v1+json"
	MediaTypeContent = "application/vnd.praetor.pack.content.v1+json"
)

// Manifest is the pack's config blob: metadata about the bundle.
type Manifest struct {
	Name      string    `json:"name"`
	Runbooks  []string  `json:"runbooks"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry is one runbook inside a pack.
type Entry struct {
	Name       string `json:"name"`
	SourceText string `json:"source_text"`
}

// Pack is a named set of runbook sources.
type Pack struct {
	Manifest Manifest `json:"manifest"`
	Entries  []Entry  `json:"entries"`
}

// Build assembles a pack from runbook names and sources.
func Build(name string, entries []Entry) (*Pack, error) {
	if name == "" {
		return nil, fmt.Errorf("packs: name required")
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("packs: at least one runbook required")
	}
	manifest := Manifest{Name: name, CreatedAt: time.Now().UTC()}
	for _, e := range entries {
		if e.Name == "" || e.SourceText == "" {
			return nil, fmt.Errorf("packs: entry needs name and source")
		}
		manifest.Runbooks = append(manifest.Runbooks, e.Name)
	}
	return &Pack{Manifest: manifest, Entries: entries}, nil
}

// Marshal returns the config and content blobs for the OCI artifact.
func (p *Pack) Marshal() (config, content []byte, err error) {
	config, err = json.Marshal(p.Manifest)
	if err != nil {
		return nil, nil, fmt.Errorf("packs: marshal manifest: %w", err)
	}
	content, err = json.Marshal(p.Entries)
	if err != nil {
		return nil, nil, fmt.Errorf("packs: marshal entries: %w", err)
	}
	return config, content, nil
}

// Unmarshal rebuilds a pack from its blobs. A missing config is
// tolerated; the entries carry everything needed for import.
func Unmarshal(config, content []byte) (*Pack, error) {
	var p Pack
	if len(config) > 0 {
		if err := json.Unmarshal(config, &p.Manifest); err != nil {
			return nil, fmt.Errorf("packs: parse manifest: %w", err)
		}
	}
	if err := json.Unmarshal(content, &p.Entries); err != nil {
		return nil, fmt.Errorf("packs: parse entries: %w", err)
	}
	if len(p.Entries) == 0 {
		return nil, fmt.Errorf("packs: empty pack")
	}
	return &p, nil
}

// OCIRef names a pack in a registry.
type OCIRef struct {
	Registry string
	Path     string
	Tag      string
	Digest   string
}

func (r *OCIRef) String() string {
	s := r.Registry + "/" + r.Path
	if r.Digest != "" {
		return s + "@" + r.Digest
	}
	if r.Tag != "" {
		return s + ":" + r.Tag
	}
	return s + ":latest"
}

// ParseRef accepts "registry/path[:tag]" or "registry/path@digest", with
// an optional oci:// scheme prefix.
func ParseRef(raw string) (*OCIRef, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "oci://")
	if raw == "" {
		return nil, fmt.Errorf("packs: empty reference")
	}
	ref := &OCIRef{}
	if at := strings.LastIndex(raw, "@"); at >= 0 {
		ref.Digest = raw[at+1:]
		raw = raw[:at]
	} else if colon := strings.LastIndex(raw, ":"); colon > strings.LastIndex(raw, "/") {
		ref.Tag = raw[colon+1:]
		raw = raw[:colon]
	}
	slash := strings.Index(raw, "/")
	if slash <= 0 || slash == len(raw)-1 {
		return nil, fmt.Errorf("packs: reference %q needs registry/path", raw)
	}
	ref.Registry = raw[:slash]
	ref.Path = raw[slash+1:]
	return ref, nil
}
