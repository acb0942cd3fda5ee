package evidence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedcam-service/internal/domain/traffic"
)

// Window length equals pre+post frames regardless of codec path, with
// boundary clamping at stream start and end.
func TestClipWindow(t *testing.T) {
	const fps = 30.0

	start, end := clipWindow(300, fps, 2, 3, 10000)
	assert.Equal(t, int64(240), start)
	assert.Equal(t, int64(390), end)
	assert.Equal(t, int64(fps*(2+3)), end-start)

	// clamp at stream start
	start, end = clipWindow(10, fps, 2, 3, 10000)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(100), end)

	// clamp at stream end
	start, end = clipWindow(9990, fps, 2, 3, 10000)
	assert.Equal(t, int64(9930), start)
	assert.Equal(t, int64(10000), end)

	// unknown total leaves the tail unclamped
	start, end = clipWindow(300, fps, 2, 3, 0)
	assert.Equal(t, int64(390), end)
	_ = start
}

func TestClipWindowDegenerate(t *testing.T) {
	start, end := clipWindow(0, 30, 2, 3, 1)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(1), end)
	assert.GreaterOrEqual(t, end, start)
}

func TestCleanupRemovesAllFiles(t *testing.T) {
	a := NewAssembler(AssemblerConfig{BaseDir: t.TempDir()}, zerolog.Nop())

	dir := filepath.Join(a.cfg.BaseDir, "2026-08-31", "51A12345")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vehicle.jpg"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "violation.mp4"), []byte("x"), 0o644))

	a.Cleanup(&traffic.EvidenceBundle{Dir: dir})

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupNilBundle(t *testing.T) {
	a := NewAssembler(AssemblerConfig{BaseDir: t.TempDir()}, zerolog.Nop())
	a.Cleanup(nil)
	a.Cleanup(&traffic.EvidenceBundle{})
}
