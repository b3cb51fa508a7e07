package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	UseLogger(zap.New(core))
	mu.Lock()
	categories = nil
	mu.Unlock()
	t.Cleanup(func() { UseLogger(zap.NewNop()) })
	return logs
}

func TestCategoryLoggersAreNamed(t *testing.T) {
	logs := observe(t)

	cats := []Category{
		CategoryBoot, CategoryCompiler, CategoryLoader, CategoryReview,
		CategoryApproval, CategoryRollback, CategoryGenetics, CategoryAudit,
		CategoryStore, CategoryPipeline, CategoryInbox, CategoryMCP, CategoryClassify,
	}
	for _, cat := range cats {
		Get(cat).Info("hello from %s", cat)
	}

	entries := logs.All()
	require.Len(t, entries, len(cats))
	for i, cat := range cats {
		assert.Equal(t, string(cat), entries[i].LoggerName)
		assert.Equal(t, "hello from "+string(cat), entries[i].Message)
	}
}

func TestConvenienceLevels(t *testing.T) {
	logs := observe(t)

	Compiler("built %s", "greet")
	CompilerDebug("scratch %s", "/tmp/x")
	LoaderWarn("symbol %s missing", "free")
	RollbackError("swap failed")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestDisabledCategoryIsSilent(t *testing.T) {
	logs := observe(t)
	mu.Lock()
	categories = map[string]bool{"review": false, "loader": true}
	mu.Unlock()

	assert.False(t, IsCategoryEnabled(CategoryReview))
	assert.True(t, IsCategoryEnabled(CategoryLoader))
	assert.True(t, IsCategoryEnabled(CategoryStore), "unnamed categories default to enabled")

	Review("should not appear")
	Loader("should appear")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "should appear", logs.All()[0].Message)
}

func TestWithAddsFields(t *testing.T) {
	logs := observe(t)

	Get(CategoryApproval).With("skill", "greet").Info("decided")

	require.Equal(t, 1, logs.Len())
	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, "greet", ctx["skill"])
}

func TestTimerThreshold(t *testing.T) {
	logs := observe(t)

	timer := StartTimer(CategoryPipeline, "compile")
	time.Sleep(2 * time.Millisecond)
	elapsed := timer.StopWithThreshold(time.Nanosecond)

	assert.GreaterOrEqual(t, elapsed, 2*time.Millisecond)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
	assert.True(t, strings.HasPrefix(logs.All()[0].Message, "compile took"))
}

func TestInitializeWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helix.log")
	t.Cleanup(Shutdown)

	require.NoError(t, Initialize(Config{Level: "debug", Format: "json", File: path}))
	Store("opened %s", "versions.db")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "opened versions.db")
	assert.Contains(t, string(data), `"logger":"store"`)
}

func TestInitializeRejectsBadLevel(t *testing.T) {
	err := Initialize(Config{Level: "loud"})
	assert.Error(t, err)
}
