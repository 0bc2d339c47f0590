package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comicfeed/pkg/errs"
	"comicfeed/pkg/logger"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.Observe(Outcome{Provider: "p", Latency: 10 * time.Millisecond})
	r.Observe(Outcome{Provider: "p", Latency: 30 * time.Millisecond, Kind: errs.KindTransient, Status: 503})
	r.Observe(Outcome{Provider: "p", CacheHit: true})
	r.Observe(Outcome{Provider: "q"})

	snap := r.Snapshot()
	require.Contains(t, snap, "p")
	s := snap["p"]
	assert.Equal(t, int64(2), s.Requests)
	assert.Equal(t, int64(1), s.Successes)
	assert.Equal(t, int64(1), s.Failures)
	assert.Equal(t, int64(1), s.CacheHits)
	assert.Equal(t, int64(1), s.ByKind["TRANSIENT"])
	assert.Equal(t, 20*time.Millisecond, s.AvgLatency)
	assert.Equal(t, int64(1), snap["q"].Successes)

	// 快照不受后续写入影响
	r.Observe(Outcome{Provider: "p", Kind: errs.KindPermanent})
	assert.Equal(t, int64(1), s.ByKind["TRANSIENT"])
	assert.Zero(t, s.ByKind["PERMANENT"])
}

func TestLogObserver(t *testing.T) {
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	prev := logger.GetLogger()
	logger.Logger = l
	defer func() { logger.Logger = prev }()

	o := NewLogObserver()
	o.Observe(Outcome{Provider: "p", RequestID: "r1"})
	o.Observe(Outcome{Provider: "p", RequestID: "r2", Kind: errs.KindPermanent, Status: 404})

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, logrus.DebugLevel, entries[0].Level)
	assert.Equal(t, logrus.WarnLevel, entries[1].Level)
	assert.Equal(t, "PERMANENT", entries[1].Data["kind"])
	assert.Equal(t, "r2", entries[1].Data["request_id"])
}

func TestMulti(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	collect := func(name string) Observer {
		return ObserverFunc(func(o Outcome) {
			mu.Lock()
			seen = append(seen, name+":"+o.Provider)
			mu.Unlock()
		})
	}

	Multi(collect("a"), nil, collect("b")).Observe(Outcome{Provider: "p"})
	assert.Equal(t, []string{"a:p", "b:p"}, seen)
	Nop.Observe(Outcome{})
}

type fakeWriter struct {
	points  []*write.Point
	flushed bool
}

func (f *fakeWriter) WritePoint(p *write.Point) { f.points = append(f.points, p) }
func (f *fakeWriter) Flush()                    { f.flushed = true }

func TestInfluxObserver_Point(t *testing.T) {
	w := &fakeWriter{}
	o := newInfluxObserverWithWriter(w)

	ts := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	o.Observe(Outcome{Provider: "mock", Class: "list", Attempt: 2, Status: 503, Kind: errs.KindTransient, Latency: 120 * time.Millisecond, Time: ts})
	o.Close()

	require.Len(t, w.points, 1)
	p := w.points[0]
	assert.Equal(t, "provider_request", p.Name())
	assert.Equal(t, ts, p.Time())

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, "mock", tags["provider"])
	assert.Equal(t, "list", tags["endpoint"])
	assert.Equal(t, "TRANSIENT", tags["outcome"])

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, int64(503), fields["status"])
	assert.Equal(t, int64(120), fields["latency_ms"])
	assert.True(t, w.flushed)
}
