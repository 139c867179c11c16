package observability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap/zapcore"

	"github.com/Roelanb/limsnode/internal/lims"
)

// ExperimentKey is the log field naming the experiment an entry belongs to.
const ExperimentKey = "experiment"

// LogSubmitter delivers log records to the LIMS.
type LogSubmitter interface {
	SubmitLogs(ctx context.Context, records []lims.LogRecord) error
}

// LimsCoreOptions tune the forwarding core. Zero values take defaults.
type LimsCoreOptions struct {
	Level         zapcore.LevelEnabler
	Origin        string
	QueueSize     int
	BatchSize     int
	Attempts      int
	Backoff       time.Duration
	FlushInterval time.Duration
	Clock         clockwork.Clock
}

func (o *LimsCoreOptions) defaults() {
	if o.Level == nil {
		o.Level = zapcore.InfoLevel
	}
	if o.Origin == "" {
		o.Origin = "limsnode"
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 6400
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.Attempts <= 0 {
		o.Attempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 700 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// LimsCore is a zapcore.Core forwarding entries to the LIMS experiment log.
// Entries are queued and sent in batches by a background flusher; a full
// queue drops entries.
type LimsCore struct {
	zapcore.LevelEnabler
	fields []zapcore.Field
	sink   *limsSink
}

type limsSink struct {
	submit  LogSubmitter
	opts    LimsCoreOptions
	queue   chan lims.LogRecord
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewLimsCore starts the flusher. Call Stop to flush and release it.
func NewLimsCore(submit LogSubmitter, opts LimsCoreOptions) *LimsCore {
	opts.defaults()
	s := &limsSink{
		submit: submit,
		opts:   opts,
		queue:  make(chan lims.LogRecord, opts.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return &LimsCore{LevelEnabler: opts.Level, sink: s}
}

func (c *LimsCore) With(fields []zapcore.Field) zapcore.Core {
	return &LimsCore{
		LevelEnabler: c.LevelEnabler,
		fields:       append(append([]zapcore.Field(nil), c.fields...), fields...),
		sink:         c.sink,
	}
}

func (c *LimsCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *LimsCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	rec := lims.LogRecord{
		ID:      uuid.NewString(),
		Dt:      ent.Time,
		Origin:  c.sink.opts.Origin,
		Level:   levelName(ent.Level),
		Message: ent.Message,
	}
	if ent.LoggerName != "" {
		rec.Origin = ent.LoggerName
	}
	if id, ok := enc.Fields[ExperimentKey].(string); ok && id != "" {
		rec.ExperimentID = &id
		delete(enc.Fields, ExperimentKey)
	}
	if len(enc.Fields) > 0 {
		keys := make([]string, 0, len(enc.Fields))
		for k := range enc.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(ent.Message)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, enc.Fields[k])
		}
		rec.Message = b.String()
	}
	select {
	case c.sink.queue <- rec:
	default:
		c.sink.dropped.Add(1)
	}
	return nil
}

func (c *LimsCore) Sync() error { return nil }

// Dropped counts entries lost to a full queue or failed submissions.
func (c *LimsCore) Dropped() int64 { return c.sink.dropped.Load() }

// Stop flushes queued entries and stops the flusher.
func (c *LimsCore) Stop() {
	c.sink.once.Do(func() { close(c.sink.stop) })
	<-c.sink.done
}

func (s *limsSink) run() {
	defer close(s.done)
	ticker := s.opts.Clock.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.flush()
		case <-s.stop:
			s.flush()
			return
		}
	}
}

func (s *limsSink) flush() {
	for {
		batch := s.take()
		if len(batch) == 0 {
			return
		}
		s.send(batch)
	}
}

func (s *limsSink) take() []lims.LogRecord {
	var batch []lims.LogRecord
	for len(batch) < s.opts.BatchSize {
		select {
		case rec := <-s.queue:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

func (s *limsSink) send(batch []lims.LogRecord) {
	backoff := s.opts.Backoff
	for attempt := 1; ; attempt++ {
		if err := s.submit.SubmitLogs(context.Background(), batch); err == nil {
			return
		}
		if attempt == s.opts.Attempts {
			s.dropped.Add(int64(len(batch)))
			return
		}
		<-s.opts.Clock.After(backoff)
		backoff *= 2
	}
}

func levelName(l zapcore.Level) string {
	switch l {
	case zapcore.DebugLevel:
		return "Debug"
	case zapcore.InfoLevel:
		return "Information"
	case zapcore.WarnLevel:
		return "Warning"
	case zapcore.ErrorLevel:
		return "Error"
	}
	return "Critical"
}
