package recovery

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// FileEntry is one file's checksum entry in a signed Manifest.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Manifest is the signed integrity manifest (§6 "manifest.json"): a
// canonical list of file checksums, signed with Ed25519 so a tampered
// manifest can never be made to agree with tampered files.
type Manifest struct {
	Files             []FileEntry `json:"files"`
	RestoreCount      int         `json:"restoreCount"`
	LastRestoreSource string      `json:"lastRestoreSource,omitempty"`
	GeneratedAt       int64       `json:"generatedAt"`
	PublicKey         string      `json:"publicKey,omitempty"`
	Signature         string      `json:"signature,omitempty"`
}

// canonicalPayload builds the exact byte sequence that gets signed:
// sorted-by-path file entries plus the restore bookkeeping fields,
// joined the same pipe-delimited way as the teacher's
// cmd/slctl/manifest.go verifyManifestSignature payload, so the
// signature covers every field that matters and nothing else (the
// Signature/PublicKey fields themselves are excluded).
func canonicalPayload(m Manifest) []byte {
	files := append([]FileEntry{}, m.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "%s:%s|", f.Path, f.SHA256)
	}
	fmt.Fprintf(&b, "restoreCount=%d|lastRestoreSource=%s|generatedAt=%d", m.RestoreCount, m.LastRestoreSource, m.GeneratedAt)
	return []byte(b.String())
}

// Sign signs m in place with priv and stamps the matching hex-encoded
// public key.
func Sign(m *Manifest, priv ed25519.PrivateKey) {
	sig := ed25519.Sign(priv, canonicalPayload(*m))
	m.Signature = hex.EncodeToString(sig)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if ok {
		m.PublicKey = hex.EncodeToString(pub)
	}
}

// VerifySignature checks m's Ed25519 signature against pub (or the
// manifest's own embedded public key when pub is nil, for sources that
// carry their own trusted key).
func VerifySignature(m Manifest, pub ed25519.PublicKey) error {
	if pub == nil {
		decoded, err := hex.DecodeString(m.PublicKey)
		if err != nil || len(decoded) != ed25519.PublicKeySize {
			return fmt.Errorf("recovery: manifest carries no usable public key")
		}
		pub = ed25519.PublicKey(decoded)
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("recovery: manifest signature malformed")
	}
	if !ed25519.Verify(pub, canonicalPayload(m), sig) {
		return fmt.Errorf("recovery: manifest signature invalid")
	}
	return nil
}

// VerifyChecksums re-hashes every file in files against m's entries.
// Extra files present in files but absent from the manifest, or vice
// versa, are also a mismatch: the manifest must describe the tree
// exactly.
func VerifyChecksums(m Manifest, files map[string][]byte) error {
	if len(files) != len(m.Files) {
		return fmt.Errorf("recovery: file count mismatch: manifest has %d, tree has %d", len(m.Files), len(files))
	}
	for _, entry := range m.Files {
		content, ok := files[entry.Path]
		if !ok {
			return fmt.Errorf("recovery: manifest references missing file %q", entry.Path)
		}
		if checksum(content) != entry.SHA256 {
			return fmt.Errorf("recovery: checksum mismatch for %q", entry.Path)
		}
	}
	return nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// BuildManifest computes fresh checksums for files and returns an
// unsigned Manifest with the given restore bookkeeping.
func BuildManifest(files map[string][]byte, restoreCount int, lastRestoreSource string, generatedAt int64) Manifest {
	entries := make([]FileEntry, 0, len(files))
	for path, content := range files {
		entries = append(entries, FileEntry{Path: path, SHA256: checksum(content)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return Manifest{
		Files:             entries,
		RestoreCount:      restoreCount,
		LastRestoreSource: lastRestoreSource,
		GeneratedAt:       generatedAt,
	}
}
