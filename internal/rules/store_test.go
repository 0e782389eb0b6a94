package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(name string) Record {
	return Record{
		Comment:   "# " + name,
		BasicRule: `SUBSYSTEM=="sound", ATTRS{idVendor}=="2e88", ATTRS{idProduct}=="4610", SYMLINK+="sound/by-id/` + name + `", ATTR{id}="` + name + `"`,
	}
}

func TestCommitCreatesFile(t *testing.T) {
	store := NewStore(t.TempDir())

	require.NoError(t, store.Commit(testRecord("movo-mic")))

	data, err := os.ReadFile(store.Path)
	require.NoError(t, err)
	assert.Equal(t, testRecord("movo-mic").Text(), string(data))

	info, err := os.Stat(store.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestCommitAppendsWithoutDisturbingPriorBytes(t *testing.T) {
	store := NewStore(t.TempDir())

	require.NoError(t, store.Commit(testRecord("first")))
	before, err := os.ReadFile(store.Path)
	require.NoError(t, err)

	require.NoError(t, store.Commit(testRecord("second")))
	after, err := os.ReadFile(store.Path)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(after), string(before)),
		"prior content must be a strict prefix of the new content")
	assert.Greater(t, len(after), len(before))
	assert.Contains(t, string(after), "second")
}

func TestCommitPreservesManualEdits(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	manual := "# hand-written rule kept verbatim\nSUBSYSTEM==\"sound\", ATTR{id}=\"other\"\n"
	require.NoError(t, os.WriteFile(store.Path, []byte(manual), 0o644))

	require.NoError(t, store.Commit(testRecord("movo-mic")))

	data, err := os.ReadFile(store.Path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), manual))
}

func TestCommitFailureLeavesTargetUntouched(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Commit(testRecord("first")))
	before, err := os.ReadFile(store.Path)
	require.NoError(t, err)

	// a store pointed at a missing directory cannot even stage its temp
	// file; the existing target must remain byte-identical
	broken := Store{Path: filepath.Join(dir, "missing", RuleFileName)}
	err = broken.Commit(testRecord("second"))
	require.ErrorIs(t, err, ErrRuleInstall)

	after, readErr := os.ReadFile(store.Path)
	require.NoError(t, readErr)
	assert.Equal(t, before, after)
}

func TestCommitLeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	require.NoError(t, store.Commit(testRecord("first")))
	require.NoError(t, store.Commit(testRecord("second")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, RuleFileName, entries[0].Name())
}

// An interrupted commit leaves a stale temp file but never a modified
// target; a later commit must still succeed and must not absorb the stray
// staging data.
func TestStaleTempFileDoesNotCorruptTarget(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Commit(testRecord("first")))
	before, err := os.ReadFile(store.Path)
	require.NoError(t, err)

	stale := filepath.Join(dir, RuleFileName+".tmp.12345")
	require.NoError(t, os.WriteFile(stale, []byte("partial write from a crashed run"), 0o600))

	after, err := os.ReadFile(store.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "a staged-but-unrenamed temp file must not affect the target")

	require.NoError(t, store.Commit(testRecord("second")))
	final, err := os.ReadFile(store.Path)
	require.NoError(t, err)
	assert.NotContains(t, string(final), "partial write")
}

func TestEnsureRulesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rules.d")

	require.NoError(t, EnsureRulesDir(dir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// idempotent on an existing directory
	require.NoError(t, EnsureRulesDir(dir))
}

func TestEnsureRulesDirRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.d")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	assert.Error(t, EnsureRulesDir(path))
}
