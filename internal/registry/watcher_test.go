package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ruleSource(id string) string {
	return "register({ id: \"" + id + "\", priority: 1, " +
		"match: function (cookie) { return true; }, " +
		"action: function (cookie) { return { notifications: [] }; } });"
}

func startedRuleWatcher(t *testing.T, dir string) (*DirectoryWatcher[Rule], *Registry[Rule]) {
	t.Helper()

	reg := NewRegistry[Rule]("rules", logr.Discard())
	watcher, err := NewRuleWatcher(dir, "", reg, nil, logr.Discard())
	require.NoError(t, err)
	watcher.debounce = 10 * time.Millisecond

	require.NoError(t, watcher.Start(context.Background()))
	t.Cleanup(watcher.Stop)
	return watcher, reg
}

func TestDirectoryWatcher_LoadsExistingFilesOnStart(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "a.rule.js", ruleSource("existing"))

	_, reg := startedRuleWatcher(t, dir)

	// The startup sweep is synchronous.
	require.Equal(t, 1, reg.Len())
	assert.Equal(t, "existing", reg.Snapshot()[0].ID())
}

func TestDirectoryWatcher_PicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	_, reg := startedRuleWatcher(t, dir)

	writePlugin(t, dir, "late.rule.js", ruleSource("late"))

	require.Eventually(t, func() bool { return reg.Len() == 1 },
		3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "late", reg.Snapshot()[0].ID())
}

func TestDirectoryWatcher_IgnoresNonMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	_, reg := startedRuleWatcher(t, dir)

	writePlugin(t, dir, "notes.txt", "not a plug-in")
	writePlugin(t, dir, "x.loader.js", ruleSource("wrong-kind"))

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, reg.Len())
}

func TestDirectoryWatcher_ReloadReplacesContribution(t *testing.T) {
	dir := t.TempDir()
	path := writePlugin(t, dir, "a.rule.js", ruleSource("before"))
	_, reg := startedRuleWatcher(t, dir)
	require.Equal(t, 1, reg.Len())

	require.NoError(t, os.WriteFile(path, []byte(ruleSource("after")), 0o600))

	require.Eventually(t, func() bool {
		snapshot := reg.Snapshot()
		return len(snapshot) == 1 && snapshot[0].ID() == "after"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDirectoryWatcher_BrokenReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writePlugin(t, dir, "a.rule.js", ruleSource("stable"))
	_, reg := startedRuleWatcher(t, dir)
	require.Equal(t, 1, reg.Len())

	require.NoError(t, os.WriteFile(path, []byte("this is not javascript"), 0o600))

	time.Sleep(150 * time.Millisecond)
	snapshot := reg.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "stable", snapshot[0].ID())
}

func TestDirectoryWatcher_RegisteringNothingSupersedes(t *testing.T) {
	dir := t.TempDir()
	path := writePlugin(t, dir, "a.rule.js", ruleSource("doomed"))
	_, reg := startedRuleWatcher(t, dir)
	require.Equal(t, 1, reg.Len())

	// A clean evaluation that registers nothing withdraws the previous
	// contribution; only load errors preserve it.
	require.NoError(t, os.WriteFile(path, []byte("var unused = 1;"), 0o600))

	require.Eventually(t, func() bool { return reg.Len() == 0 },
		3*time.Second, 10*time.Millisecond)
}

func TestDirectoryWatcher_RemoveUnpublishes(t *testing.T) {
	dir := t.TempDir()
	path := writePlugin(t, dir, "a.rule.js", ruleSource("transient"))
	_, reg := startedRuleWatcher(t, dir)
	require.Equal(t, 1, reg.Len())

	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool { return reg.Len() == 0 },
		3*time.Second, 10*time.Millisecond)
}

func TestDirectoryWatcher_StartTwiceFails(t *testing.T) {
	dir := t.TempDir()
	watcher, _ := startedRuleWatcher(t, dir)

	assert.Error(t, watcher.Start(context.Background()))
}
