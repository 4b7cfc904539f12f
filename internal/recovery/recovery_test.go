package recovery

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/fallback"
)

func fastCascade() fallback.Config {
	return fallback.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}
}

func genKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pub, priv
}

func writeSignedTree(t *testing.T, dir string, priv ed25519.PrivateKey, files map[string][]byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for path, content := range files {
		full := filepath.Join(dir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, content, 0o644))
	}
	m := BuildManifest(files, 0, "", 1)
	Sign(&m, priv)
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o644))
}

func TestRunStaysRunningWhenLocalManifestVerifies(t *testing.T) {
	pub, priv := genKey(t)
	dataDir := t.TempDir()
	writeSignedTree(t, dataDir, priv, map[string][]byte{"state.json": []byte(`{"a":1}`)})

	e := New(Config{DataDir: dataDir, PrivateKey: priv, TrustedPublicKey: pub})
	out := e.Run(context.Background())
	require.Equal(t, StateRunning, out.State)
	require.Equal(t, 0, out.RestoreCount)
}

func TestRunRestoresFromMountWhenLocalManifestMissing(t *testing.T) {
	pub, priv := genKey(t)
	dataDir := t.TempDir()
	mountDir := t.TempDir()
	writeSignedTree(t, mountDir, priv, map[string][]byte{"state.json": []byte(`{"restored":true}`)})

	e := New(Config{
		DataDir:          dataDir,
		PrivateKey:       priv,
		TrustedPublicKey: pub,
		Mount:            NewMountSource(mountDir, pub),
		VCS:              NewMountSource(t.TempDir(), pub),
		Template:         NewTemplateSource(map[string][]byte{"state.json": []byte(`{}`)}),
		Cascade:          fastCascade(),
	})
	out := e.Run(context.Background())
	require.Equal(t, StateRunning, out.State)
	require.Equal(t, 1, out.RestoreCount)
	require.Equal(t, "mount", out.LastRestoreSource)

	content, err := os.ReadFile(filepath.Join(dataDir, "state.json"))
	require.NoError(t, err)
	require.Equal(t, `{"restored":true}`, string(content))
}

func TestRunFallsThroughToVCSWhenMountTampered(t *testing.T) {
	pub, priv := genKey(t)
	dataDir := t.TempDir()

	mountDir := t.TempDir()
	writeSignedTree(t, mountDir, priv, map[string][]byte{"state.json": []byte(`{"v":1}`)})
	// Tamper the file after signing so checksum verification fails.
	require.NoError(t, os.WriteFile(filepath.Join(mountDir, "state.json"), []byte(`{"tampered":true}`), 0o644))

	vcsDir := t.TempDir()
	writeSignedTree(t, vcsDir, priv, map[string][]byte{"state.json": []byte(`{"v":2}`)})

	e := New(Config{
		DataDir:          dataDir,
		PrivateKey:       priv,
		TrustedPublicKey: pub,
		Mount:            NewMountSource(mountDir, pub),
		VCS:              NewVCSSource(vcsDir, pub),
		Template:         NewTemplateSource(map[string][]byte{"state.json": []byte(`{}`)}),
		Cascade:          fastCascade(),
	})
	out := e.Run(context.Background())
	require.Equal(t, StateRunning, out.State)
	require.Equal(t, "vcs", out.LastRestoreSource)
}

func TestRunFallsThroughToTemplateWhenAllSignedSourcesFail(t *testing.T) {
	pub, priv := genKey(t)
	dataDir := t.TempDir()

	e := New(Config{
		DataDir:          dataDir,
		PrivateKey:       priv,
		TrustedPublicKey: pub,
		Mount:            NewMountSource(t.TempDir(), pub),
		VCS:              NewMountSource(t.TempDir(), pub),
		Template:         NewTemplateSource(map[string][]byte{"state.json": []byte(`{"default":true}`)}),
		Cascade:          fastCascade(),
	})
	out := e.Run(context.Background())
	require.Equal(t, StateRunning, out.State)
	require.Equal(t, "template", out.LastRestoreSource)
}

func TestLoopDetectorTripsAfterRepeatedFailures(t *testing.T) {
	pub, priv := genKey(t)
	dataDir := t.TempDir()

	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := New(Config{
		DataDir:          dataDir,
		PrivateKey:       priv,
		TrustedPublicKey: pub,
		Mount:            NewMountSource(t.TempDir(), pub),
		VCS:              NewMountSource(t.TempDir(), pub),
		Template:         &failingSource{},
		LoopMaxFailures:  2,
		LoopWindow:       time.Minute,
		Now:              func() time.Time { return fixedNow },
		Cascade:          fastCascade(),
	})

	out1 := e.Run(context.Background())
	require.Equal(t, StateDegraded, out1.State)
	require.False(t, e.Degraded())

	out2 := e.Run(context.Background())
	require.Equal(t, StateLoopDetected, out2.State)
	require.True(t, out2.Degraded)
	require.True(t, e.Degraded())
	require.Greater(t, out2.RetryAfter, time.Duration(0))
}

type failingSource struct{}

func (failingSource) Name() string { return "template" }
func (failingSource) Load(ctx context.Context) (map[string][]byte, *Manifest, error) {
	return nil, nil, errLoadFailed
}

var errLoadFailed = testErr("load failed")

type testErr string

func (e testErr) Error() string { return string(e) }

func TestManifestVerifySignatureRejectsTamperedPayload(t *testing.T) {
	_, priv := genKey(t)
	m := BuildManifest(map[string][]byte{"a": []byte("x")}, 0, "", 1)
	Sign(&m, priv)
	m.RestoreCount = 99

	err := VerifySignature(m, priv.Public().(ed25519.PublicKey))
	require.Error(t, err)
}

func TestManifestVerifyChecksumsDetectsMismatch(t *testing.T) {
	m := BuildManifest(map[string][]byte{"a": []byte("x")}, 0, "", 1)
	err := VerifyChecksums(m, map[string][]byte{"a": []byte("y")})
	require.Error(t, err)
}
