package packs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// RegistryClient pushes and pulls pack artifacts from OCI registries.
type RegistryClient struct {
	// PlainHTTP allows insecure registries (for dev/test).
	PlainHTTP bool
	// Username for registry auth (anonymous if empty).
	Username string
	// Password for registry auth.
	Password string
}

// NewRegistryClient creates a client for OCI registry operations.
func NewRegistryClient() *RegistryClient {
	return &RegistryClient{}
}

// WithAuth sets credentials for registry authentication.
func (rc *RegistryClient) WithAuth(username, password string) *RegistryClient {
	rc.Username = username
	rc.Password = password
	return rc
}

// WithPlainHTTP enables HTTP (non-TLS) for dev registries.
func (rc *RegistryClient) WithPlainHTTP(plain bool) *RegistryClient {
	rc.PlainHTTP = plain
	return rc
}

// PushResult holds the result of pushing a pack to a registry.
type PushResult struct {
	Ref         string   `json:"ref"`
	Digest      string   `json:"digest"`
	ConfigSize  int64    `json:"config_size"`
	ContentSize int64    `json:"content_size"`
	Runbooks    []string `json:"runbooks"`
}

// PullResult holds the result of pulling a pack from a registry.
type PullResult struct {
	Ref      string   `json:"ref"`
	Digest   string   `json:"digest"`
	Name     string   `json:"name,omitempty"`
	Runbooks []string `json:"runbooks,omitempty"`
}

// Push uploads the pack as an OCI artifact.
func (rc *RegistryClient) Push(ctx context.Context, pack *Pack, ref *OCIRef) (*PushResult, error) {
	config, content, err := pack.Marshal()
	if err != nil {
		return nil, err
	}

	store := memory.New()
	configDesc, err := oras.PushBytes(ctx, store, MediaTypeConfig, config)
	if err != nil {
		return nil, fmt.Errorf("push config to memory: %w", err)
	}
	contentDesc, err := oras.PushBytes(ctx, store, MediaTypeContent, content)
	if err != nil {
		return nil, fmt.Errorf("push content to memory: %w", err)
	}

	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{
		ConfigDescriptor: &configDesc,
		Layers:           []ocispec.Descriptor{contentDesc},
	})
	if err != nil {
		return nil, fmt.Errorf("pack manifest: %w", err)
	}

	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}
	if err := store.Tag(ctx, manifestDesc, tag); err != nil {
		return nil, fmt.Errorf("tag manifest: %w", err)
	}

	repo, err := rc.repository(ref)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}
	copyDesc, err := oras.Copy(ctx, store, tag, repo, tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, fmt.Errorf("push to registry: %w", err)
	}

	return &PushResult{
		Ref:         ref.String(),
		Digest:      copyDesc.Digest.String(),
		ConfigSize:  configDesc.Size,
		ContentSize: contentDesc.Size,
		Runbooks:    pack.Manifest.Runbooks,
	}, nil
}

// Pull downloads a pack from an OCI registry.
func (rc *RegistryClient) Pull(ctx context.Context, ref *OCIRef) (*Pack, *PullResult, error) {
	repo, err := rc.repository(ref)
	if err != nil {
		return nil, nil, fmt.Errorf("connect registry: %w", err)
	}

	store := memory.New()
	pullRef := ref.Tag
	if pullRef == "" {
		pullRef = "latest"
	}
	if ref.Digest != "" {
		pullRef = ref.Digest
	}

	manifestDesc, err := oras.Copy(ctx, repo, pullRef, store, pullRef, oras.DefaultCopyOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("pull from registry: %w", err)
	}

	manifestData, err := fetchAll(ctx, store, manifestDesc)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch manifest: %w", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, nil, fmt.Errorf("parse manifest: %w", err)
	}

	var content, config []byte
	for _, layer := range manifest.Layers {
		if layer.MediaType == MediaTypeContent {
			content, err = fetchAll(ctx, store, layer)
			if err != nil {
				return nil, nil, fmt.Errorf("fetch content layer: %w", err)
			}
		}
	}
	if content == nil {
		return nil, nil, fmt.Errorf("no pack content layer in manifest")
	}
	if manifest.Config.MediaType == MediaTypeConfig {
		config, _ = fetchAll(ctx, store, manifest.Config)
	}

	pack, err := Unmarshal(config, content)
	if err != nil {
		return nil, nil, err
	}
	return pack, &PullResult{
		Ref:      ref.String(),
		Digest:   manifestDesc.Digest.String(),
		Name:     pack.Manifest.Name,
		Runbooks: pack.Manifest.Runbooks,
	}, nil
}

func (rc *RegistryClient) repository(ref *OCIRef) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref.Registry + "/" + ref.Path)
	if err != nil {
		return nil, err
	}
	repo.PlainHTTP = rc.PlainHTTP
	if rc.Username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(ref.Registry, auth.Credential{
				Username: rc.Username,
				Password: rc.Password,
			}),
		}
	}
	return repo, nil
}

func fetchAll(ctx context.Context, store *memory.Store, desc ocispec.Descriptor) ([]byte, error) {
	reader, err := store.Fetch(ctx, desc)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
