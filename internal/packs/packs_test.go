package packs

import (
	"testing"
)

func samplePack(t *testing.T) *Pack {
	t.Helper()
	pack, err := Build("incident-response", []Entry{
		{Name: "rollback-payments", SourceText: "steps:\n  - name: ack\n    tool: pagerduty.ack\n"},
		{Name: "drain-node", SourceText: "steps:\n  - name: drain\n    tool: k8s.drain_node\n"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return pack
}

func TestBuildAndRoundTrip(t *testing.T) {
	pack := samplePack(t)
	if len(pack.Manifest.Runbooks) != 2 || pack.Manifest.Runbooks[0] != "rollback-payments" {
		t.Fatalf("manifest = %+v", pack.Manifest)
	}

	config, content, err := pack.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(config, content)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Manifest.Name != "incident-response" || len(got.Entries) != 2 {
		t.Fatalf("round trip = %+v", got)
	}
	if got.Entries[1].SourceText != pack.Entries[1].SourceText {
		t.Fatal("source text lost in round trip")
	}
}

func TestUnmarshalToleratesMissingConfig(t *testing.T) {
	pack := samplePack(t)
	_, content, err := pack.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(nil, content)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Entries) != 2 {
		t.Fatalf("entries = %+v", got.Entries)
	}
}

func TestBuildRejections(t *testing.T) {
	cases := map[string]struct {
		name    string
		entries []Entry
	}{
		"no name":      {"", []Entry{{Name: "a", SourceText: "x"}}},
		"no entries":   {"p", nil},
		"empty source": {"p", []Entry{{Name: "a"}}},
		"empty name":   {"p", []Entry{{SourceText: "x"}}},
	}
	for label, c := range cases {
		if _, err := Build(c.name, c.entries); err == nil {
			t.Errorf("%s: expected error", label)
		}
	}
}

func TestParseRef(t *testing.T) {
	cases := []struct {
		raw  string
		want OCIRef
	}{
		{"ghcr.io/org/pack:v1", OCIRef{Registry: "ghcr.io", Path: "org/pack", Tag: "v1"}},
		{"oci://ghcr.io/org/pack:v1", OCIRef{Registry: "ghcr.io", Path: "org/pack", Tag: "v1"}},
		{"localhost:5000/team/pack", OCIRef{Registry: "localhost:5000", Path: "team/pack"}},
		{"ghcr.io/org/pack@sha256:abc", OCIRef{Registry: "ghcr.io", Path: "org/pack", Digest: "sha256:abc"}},
	}
	for _, c := range cases {
		got, err := ParseRef(c.raw)
		if err != nil {
			t.Errorf("%q: %v", c.raw, err)
			continue
		}
		if *got != c.want {
			t.Errorf("%q: got %+v, want %+v", c.raw, *got, c.want)
		}
	}
}

func TestParseRefRejections(t *testing.T) {
	for _, raw := range []string{"", "oci://", "justonepart", "registry/", "/path"} {
		if _, err := ParseRef(raw); err == nil {
			t.Errorf("%q: expected error", raw)
		}
	}
}

func TestParseRefString(t *testing.T) {
	ref, err := ParseRef("ghcr.io/org/pack")
	if err != nil {
		t.Fatal(err)
	}
	if ref.String() != "ghcr.io/org/pack:latest" {
		t.Fatalf("String() = %q", ref.String())
	}
}

func TestRegistryClientConfigure(t *testing.T) {
	rc := NewRegistryClient().WithAuth("user", "pass").WithPlainHTTP(true)
	if rc.Username != "user" || rc.Password != "pass" || !rc.PlainHTTP {
		t.Fatalf("client = %+v", rc)
	}
}

func TestPullUnreachableRegistry(t *testing.T) {
	rc := NewRegistryClient().WithPlainHTTP(true)
	ref := &OCIRef{Registry: "localhost:1", Path: "team/pack", Tag: "v1"}
	if _, _, err := rc.Pull(t.Context(), ref); err == nil {
		t.Error("expected error for unreachable registry")
	}
}
