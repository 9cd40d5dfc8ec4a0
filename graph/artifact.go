package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ryehq/rye-core/capability"
)

// Artifact is a signed snapshot of one walk step, the durable record a
// resumed walk loads to recover CurrentNode and State.
type Artifact struct {
	ThreadID       string         `json:"thread_id"`
	Step           int            `json:"step"`
	CurrentNode    string         `json:"current_node"`
	State          map[string]any `json:"state"`
	CreatedAt      time.Time      `json:"created_at"`
	ContentSHA256  string         `json:"content_sha256"`
	Signature      []byte         `json:"signature"`
	KeyFingerprint string         `json:"key_fingerprint"`
}

// ArtifactStore persists and loads per-thread walk artifacts.
type ArtifactStore interface {
	Write(a Artifact) error
	Latest(threadID string) (Artifact, bool, error)
}

// FileArtifactStore writes one artifact file per thread
// (`<root>/<thread_id>.json`), overwritten on every step via
// write-temp-then-rename, mirroring the checkpointer's durability discipline.
type FileArtifactStore struct {
	root string
}

// NewFileArtifactStore constructs an ArtifactStore rooted at dir.
func NewFileArtifactStore(dir string) *FileArtifactStore {
	return &FileArtifactStore{root: dir}
}

func (s *FileArtifactStore) path(threadID string) string {
	return filepath.Join(s.root, threadID+".json")
}

func (s *FileArtifactStore) Write(a Artifact) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("graph: creating artifact root: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	final := s.path(a.ThreadID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("graph: writing artifact: %w", err)
	}
	return os.Rename(tmp, final)
}

func (s *FileArtifactStore) Latest(threadID string) (Artifact, bool, error) {
	data, err := os.ReadFile(s.path(threadID))
	if os.IsNotExist(err) {
		return Artifact{}, false, nil
	}
	if err != nil {
		return Artifact{}, false, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, false, err
	}
	return a, true, nil
}

// signState signs a canonical (key-sorted) encoding of currentNode+state so
// the signature is stable regardless of map iteration order.
func signState(signer capability.Signer, currentNode string, state map[string]any) (sha string, sig []byte, fingerprint string, err error) {
	canon, err := canonicalize(currentNode, state)
	if err != nil {
		return "", nil, "", err
	}
	sum := sha256.Sum256(canon)
	sha = hex.EncodeToString(sum[:])
	sig, fingerprint, err = signer.Sign(sum[:])
	return sha, sig, fingerprint, err
}

func canonicalize(currentNode string, state map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]struct {
		K string `json:"k"`
		V any    `json:"v"`
	}, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, struct {
			K string `json:"k"`
			V any    `json:"v"`
		}{k, state[k]})
	}
	return json.Marshal(struct {
		CurrentNode string `json:"current_node"`
		State       any    `json:"state"`
	}{currentNode, ordered})
}
