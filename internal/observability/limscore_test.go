package observability

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Roelanb/limsnode/internal/lims"
	"github.com/Roelanb/limsnode/internal/testsupport"
)

func newCore(t *testing.T, fake *testsupport.FakeLims, opts LimsCoreOptions) *LimsCore {
	t.Helper()
	client, err := lims.NewClient(fake.URL(), "", time.Second)
	require.NoError(t, err)
	opts.FlushInterval = time.Hour
	opts.Backoff = time.Millisecond
	return NewLimsCore(client, opts)
}

func TestLimsCoreForwardsRecords(t *testing.T) {
	fake := testsupport.NewFakeLims(t, "")
	core := newCore(t, fake, LimsCoreOptions{Level: zapcore.DebugLevel})
	log := zap.New(core).Named("job_lifecycle").Sugar()

	log.Infow("transfer started", ExperimentKey, "e1", "files", 3)
	log.Warnw("slow storage")
	log.Debugw("detail", ExperimentKey, "e2")
	core.Stop()

	logs := fake.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, "e1", logs[0]["ExperimentId"])
	assert.Equal(t, "Information", logs[0]["Level"])
	assert.Equal(t, "job_lifecycle", logs[0]["Origin"])
	assert.Equal(t, "transfer started files=3", logs[0]["Message"])
	_, err := uuid.Parse(logs[0]["Id"].(string))
	assert.NoError(t, err)

	assert.Nil(t, logs[1]["ExperimentId"])
	assert.Equal(t, "Warning", logs[1]["Level"])
	assert.Equal(t, "Debug", logs[2]["Level"])
}

func TestLimsCoreBatches(t *testing.T) {
	fake := testsupport.NewFakeLims(t, "")
	core := newCore(t, fake, LimsCoreOptions{})
	log := zap.New(core).Sugar().With(ExperimentKey, "e1")
	for i := 0; i < 130; i++ {
		log.Infow("tick", "i", i)
	}
	core.Stop()

	assert.Len(t, fake.Logs(), 130)
	assert.Equal(t, 3, fake.LogPosts())
	assert.Equal(t, "e1", fake.Logs()[129]["ExperimentId"])
	assert.Zero(t, core.Dropped())
}

func TestLimsCoreRetriesThenDrops(t *testing.T) {
	fake := testsupport.NewFakeLims(t, "")
	fake.FailLogs = 2
	core := newCore(t, fake, LimsCoreOptions{Attempts: 3})
	zap.New(core).Info("delivered after retries")
	core.Stop()
	assert.Len(t, fake.Logs(), 1)
	assert.Equal(t, 3, fake.LogPosts())

	fake2 := testsupport.NewFakeLims(t, "")
	fake2.FailLogs = 10
	core2 := newCore(t, fake2, LimsCoreOptions{Attempts: 2})
	zap.New(core2).Info("lost")
	core2.Stop()
	assert.Empty(t, fake2.Logs())
	assert.Equal(t, int64(1), core2.Dropped())
}

func TestLimsCoreQueueOverflow(t *testing.T) {
	fake := testsupport.NewFakeLims(t, "")
	core := newCore(t, fake, LimsCoreOptions{QueueSize: 2})
	log := zap.New(core)
	for i := 0; i < 5; i++ {
		log.Info("x")
	}
	core.Stop()
	assert.Len(t, fake.Logs(), 2)
	assert.Equal(t, int64(3), core.Dropped())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("bogus"))
	assert.NotNil(t, NewLogger("info", zapcore.NewNopCore()))
}
