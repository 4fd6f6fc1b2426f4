package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/handoff"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/lock"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/queue"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/store"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/store/storetest"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/tradefed"
)

const scenarioReport = `<?xml version='1.0' encoding='UTF-8' standalone='no' ?>
<Result suite_name="CTS" suite_plan="cts-lkft">
  <Module name="foo" abi="arm64-v8a" done="true">
    <TestCase name="Bar">
      <Test result="pass" name="t1" />
      <Test result="fail" name="t2">
        <Failure message="boom"><StackTrace>boom</StackTrace></Failure>
      </Test>
      <Test result="ASSUMPTION_FAILURE" name="t3" />
    </TestCase>
  </Module>
</Result>
`

func buildReport(modules, cases, tests int) string {
	var b strings.Builder
	b.WriteString("<Result>\n")
	for m := 0; m < modules; m++ {
		fmt.Fprintf(&b, "<Module name=\"mod%d\" abi=\"arm64-v8a\">\n", m)
		for c := 0; c < cases; c++ {
			fmt.Fprintf(&b, "<TestCase name=\"Case%d\">\n", c)
			for i := 0; i < tests; i++ {
				result := "pass"
				if i%3 == 1 {
					result = "fail"
				}
				fmt.Fprintf(&b, "<Test result=%q name=\"t%d\" />\n", result, i)
			}
			b.WriteString("</TestCase>\n")
		}
		b.WriteString("</Module>\n")
	}
	b.WriteString("</Result>\n")
	return b.String()
}

type recorder struct {
	mu    sync.Mutex
	tasks []queue.Task
}

func (r *recorder) Publish(_ context.Context, task *queue.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, *task)
	return nil
}

func (r *recorder) take() []queue.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := r.tasks
	r.tasks = nil
	return tasks
}

type sinkCall struct {
	jobID   int64
	failure string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *recordingSink) FinishJob(_ context.Context, jobID int64, failure string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{jobID: jobID, failure: failure})
	return nil
}

func (s *recordingSink) Calls() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

type harness struct {
	f        storetest.Fixture
	pub      *recorder
	sink     *recordingSink
	handoffs handoff.Store
	ingestor *Ingestor
	worker   *Worker
	barrier  *Barrier
}

func newHarness(t *testing.T, chunkSize int) *harness {
	t.Helper()
	f := storetest.Seed(t)
	h := &harness{
		f:        f,
		pub:      &recorder{},
		sink:     &recordingSink{},
		handoffs: handoff.NewDatabase(f.Store),
	}
	h.ingestor = NewIngestor(f.Store, h.handoffs, h.pub, IngestorConfig{ChunkSize: chunkSize})
	h.worker = NewWorker(f.Store, h.handoffs, h.pub, nil)
	h.barrier = NewBarrier(f.Store, h.handoffs, lock.NewLocalLocker(), h.sink, nil)
	return h
}

func (h *harness) ingest(t *testing.T, report string) []Handle {
	t.Helper()
	handles, err := h.ingestor.Ingest(context.Background(), strings.NewReader(report), h.f.Run.ID, "cts", WithJob(42))
	require.NoError(t, err)
	return handles
}

func (h *harness) handle(t *testing.T, task queue.Task) {
	t.Helper()
	ctx := context.Background()
	switch task.Kind {
	case queue.KindChunk:
		require.NoError(t, h.worker.HandleChunk(ctx, &task))
	case queue.KindBarrier:
		require.NoError(t, h.barrier.HandleBarrier(ctx, &task))
	default:
		t.Fatalf("unexpected task kind %q", task.Kind)
	}
}

// drain processes published tasks until none are left.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for tasks := h.pub.take(); len(tasks) > 0; tasks = h.pub.take() {
		for _, task := range tasks {
			h.handle(t, task)
		}
	}
}

func (h *harness) status(t *testing.T) (store.Status, []store.SuiteStatus) {
	t.Helper()
	run, suites, err := h.f.Store.RunStatus(context.Background(), h.f.Run.ID)
	require.NoError(t, err)
	return run, suites
}

func TestIngest_Scenario(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	handles := h.ingest(t, scenarioReport)
	require.Len(t, handles, 1)
	assert.Equal(t, "cts/arm64-v8a.foo", handles[0].Suite)
	assert.Equal(t, 3, handles[0].Tests)

	tasks := h.pub.take()
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.KindChunk, tasks[0].Kind)
	assert.Equal(t, handles[0].HandoffID, tasks[0].HandoffID)
	assert.Equal(t, handles[0].SuiteID, tasks[0].SuiteID)

	n, err := h.f.Store.CountKnownIssues(ctx, "Tradefed/cts/arm64-v8a.foo/Bar.t3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	h.handle(t, tasks[0])
	h.drain(t)

	run, suites := h.status(t)
	assert.Equal(t, 1, run.TestsPass)
	assert.Equal(t, 1, run.TestsFail)
	assert.Equal(t, 1, run.TestsXFail)
	assert.Equal(t, 0, run.TestsSkip)
	require.Len(t, suites, 1)
	assert.Equal(t, "cts/arm64-v8a.foo", suites[0].Suite)
	assert.Equal(t, run.Total(), suites[0].Total())

	recorded, err := h.f.Store.TestRun(ctx, h.f.Run.ID)
	require.NoError(t, err)
	assert.True(t, recorded.StatusRecorded)

	failing, err := h.f.Store.FailingTests(ctx, h.f.Run.ID)
	require.NoError(t, err)
	logs := map[string]string{}
	for _, test := range failing {
		logs[test.Name] = test.Log
	}
	assert.Equal(t, map[string]string{"Bar.t2": "boom", "Bar.t3": ""}, logs)

	left, err := h.f.Store.CountHandoffs(ctx, h.f.Run.ID)
	require.NoError(t, err)
	assert.Zero(t, left)

	assert.Equal(t, []sinkCall{{jobID: 42}}, h.sink.Calls())
}

func TestIngest_Idempotent(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	report := buildReport(3, 3, 4)

	h.ingest(t, report)
	h.drain(t)
	first, _ := h.status(t)

	h.ingest(t, report)
	h.drain(t)
	second, suites := h.status(t)

	count, err := h.f.Store.CountTests(ctx, h.f.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3*3*4), count)
	assert.Equal(t, first.Total(), second.Total())
	assert.Equal(t, int(count), second.Total())

	sum := 0
	for _, s := range suites {
		sum += s.Total()
	}
	assert.Equal(t, second.Total(), sum)
	assert.Len(t, h.sink.Calls(), 2)
}

func TestIngest_ZeroChunks(t *testing.T) {
	h := newHarness(t, 0)

	handles := h.ingest(t, `<Result><Module name="empty"></Module></Result>`)
	assert.Empty(t, handles)

	tasks := h.pub.take()
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.KindBarrier, tasks[0].Kind)

	h.handle(t, tasks[0])
	run, suites := h.status(t)
	assert.Zero(t, run.Total())
	assert.Empty(t, suites)
	assert.Equal(t, []sinkCall{{jobID: 42}}, h.sink.Calls())
}

func TestIngest_OutOfOrderAndRedelivered(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	handles := h.ingest(t, buildReport(2, 3, 3))
	require.Len(t, handles, 6)

	tasks := h.pub.take()
	require.Len(t, tasks, 6)
	for i := len(tasks) - 1; i >= 0; i-- {
		h.handle(t, tasks[i])
	}
	// A redelivery after the barrier fired only re-announces it.
	h.handle(t, tasks[0])

	barriers := h.pub.take()
	require.Len(t, barriers, 2)
	for _, task := range barriers {
		assert.Equal(t, queue.KindBarrier, task.Kind)
		h.handle(t, task)
	}
	h.drain(t)

	count, err := h.f.Store.CountTests(ctx, h.f.Run.ID)
	require.NoError(t, err)
	run, _ := h.status(t)
	assert.Equal(t, int64(18), count)
	assert.Equal(t, 18, run.Total())
	assert.Len(t, h.sink.Calls(), 1)

	latch, err := h.f.Store.Barrier(ctx, h.f.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BarrierDone, latch.State)
	assert.Equal(t, 6, latch.Completed)
	assert.Zero(t, latch.Failed)
}

func TestIngest_MalformedReport(t *testing.T) {
	h := newHarness(t, 0)
	report := `<Result>
<Module name="a"><TestCase name="C1"><Test result="pass" name="t"/></TestCase></Module>
<Module name="b"><TestCase name="C2"><Test result="fail" name="t"`

	handles, err := h.ingestor.Ingest(context.Background(), strings.NewReader(report), h.f.Run.ID, "cts", WithJob(42))
	require.Error(t, err)
	assert.True(t, errors.Is(err, tradefed.ErrMalformedReport))
	require.Len(t, handles, 1)
	assert.Equal(t, "cts/a", handles[0].Suite)

	h.drain(t)
	run, _ := h.status(t)
	assert.Equal(t, 1, run.TestsPass)
	assert.Equal(t, 1, run.Total())
	assert.Equal(t, []sinkCall{{jobID: 42}}, h.sink.Calls())
}

func TestWorker_LostHandoffCountsAsFailed(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	handles := h.ingest(t, scenarioReport)
	require.Len(t, handles, 1)
	require.NoError(t, h.handoffs.Delete(ctx, h.f.Run.ID, handles[0].HandoffID))

	h.drain(t)

	run, _ := h.status(t)
	assert.Zero(t, run.Total())
	calls := h.sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "1 of 1 result chunks could not be recorded", calls[0].failure)
}

func TestWorker_UnknownRunIsPermanent(t *testing.T) {
	h := newHarness(t, 0)
	err := h.worker.HandleChunk(context.Background(), &queue.Task{Kind: queue.KindChunk, RunID: 999, HandoffID: "x", Generation: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, queue.ErrPermanent))
}

func TestBarrier_StaleTaskIsIgnored(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	h.ingest(t, scenarioReport)
	chunkTasks := h.pub.take()

	// Not fired yet.
	require.NoError(t, h.barrier.HandleBarrier(ctx, &queue.Task{Kind: queue.KindBarrier, RunID: h.f.Run.ID, Generation: 1}))
	// Wrong generation.
	require.NoError(t, h.barrier.HandleBarrier(ctx, &queue.Task{Kind: queue.KindBarrier, RunID: h.f.Run.ID, Generation: 99}))
	assert.Empty(t, h.sink.Calls())

	for _, task := range chunkTasks {
		h.handle(t, task)
	}
	h.drain(t)
	assert.Len(t, h.sink.Calls(), 1)

	// Done generations stay done.
	require.NoError(t, h.barrier.HandleBarrier(ctx, &queue.Task{Kind: queue.KindBarrier, RunID: h.f.Run.ID, Generation: 1}))
	assert.Len(t, h.sink.Calls(), 1)
}

func TestBarrier_UnknownRunIsPermanent(t *testing.T) {
	h := newHarness(t, 0)
	err := h.barrier.HandleBarrier(context.Background(), &queue.Task{Kind: queue.KindBarrier, RunID: 999, Generation: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, queue.ErrPermanent))
}

func TestBarrier_RecomputeFailureFinishesJobOnLastAttempt(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	mux := queue.NewMux(nil)
	Register(mux, h.worker, h.barrier)

	h.ingest(t, scenarioReport)
	for _, task := range h.pub.take() {
		h.handle(t, task)
	}
	barrierTasks := h.pub.take()
	require.Len(t, barrierTasks, 1)
	require.NoError(t, h.f.Store.DB().Migrator().DropTable(&store.Status{}))

	task := barrierTasks[0]
	task.Attempt, task.MaxAttempts = 1, 2
	err := mux.Serve(ctx, &task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, queue.ErrPermanent), "the first failure is retried")
	assert.Empty(t, h.sink.Calls())
	latch, err := h.f.Store.Barrier(ctx, h.f.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BarrierFired, latch.State)

	task.Attempt = 2
	err = mux.Serve(ctx, &task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, queue.ErrPermanent))

	calls := h.sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(42), calls[0].jobID)
	assert.Contains(t, calls[0].failure, "run statuses could not be recomputed")
	latch, err = h.f.Store.Barrier(ctx, h.f.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BarrierDone, latch.State)

	// A late redelivery finds the generation done.
	task.Attempt = 3
	require.NoError(t, mux.Serve(ctx, &task))
	assert.Len(t, h.sink.Calls(), 1)
}

func TestWorker_ExhaustedChunkCountsAsFailed(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	h.ingest(t, scenarioReport)
	chunkTasks := h.pub.take()
	require.Len(t, chunkTasks, 1)

	h.worker.HandleExhausted(ctx, &chunkTasks[0], assert.AnError)
	h.drain(t)

	run, _ := h.status(t)
	assert.Zero(t, run.Total())
	calls := h.sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "1 of 1 result chunks could not be recorded", calls[0].failure)

	_, err := h.handoffs.Load(ctx, h.f.Run.ID, chunkTasks[0].HandoffID)
	assert.True(t, errors.Is(err, handoff.ErrNotFound))
}

type countingSuites struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSuites) EnsureSuite(_ context.Context, projectID int64, slug string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return int64(len(slug)) + projectID*1000, nil
}

func TestSuiteCache(t *testing.T) {
	suites := &countingSuites{}
	cache, err := NewSuiteCache(suites, 2, 1)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := cache.EnsureSuite(ctx, "cts/a")
	require.NoError(t, err)
	assert.Equal(t, int64(2005), id)
	_, err = cache.EnsureSuite(ctx, "cts/a")
	require.NoError(t, err)
	assert.Equal(t, 1, suites.calls)

	// Size 1 evicts the first slug.
	_, err = cache.EnsureSuite(ctx, "cts/bb")
	require.NoError(t, err)
	_, err = cache.EnsureSuite(ctx, "cts/a")
	require.NoError(t, err)
	assert.Equal(t, 3, suites.calls)
}

func TestPipeline_InMemoryQueue(t *testing.T) {
	f := storetest.Seed(t)
	q := queue.NewInMemoryQueue(queue.InMemoryConfig{Workers: 4})
	handoffs := handoff.NewDatabase(f.Store)
	sink := &recordingSink{}

	mux := queue.NewMux(nil)
	Register(mux,
		NewWorker(f.Store, handoffs, q, nil),
		NewBarrier(f.Store, handoffs, lock.NewLocalLocker(), sink, nil),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Subscribe(ctx, mux.Serve) }()
	defer func() {
		cancel()
		<-done
	}()

	ingestor := NewIngestor(f.Store, handoffs, q, IngestorConfig{ChunkSize: 2})
	handles, err := ingestor.Ingest(ctx, strings.NewReader(buildReport(4, 5, 3)), f.Run.ID, "cts", WithJob(7))
	require.NoError(t, err)
	assert.Len(t, handles, 12)

	require.Eventually(t, func() bool {
		return len(sink.Calls()) == 1
	}, 10*time.Second, 20*time.Millisecond)

	run, suites, err := f.Store.RunStatus(ctx, f.Run.ID)
	require.NoError(t, err)
	count, err := f.Store.CountTests(ctx, f.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), count)
	assert.Equal(t, 60, run.Total())
	require.Len(t, suites, 4)
	sum := 0
	for _, s := range suites {
		sum += s.Total()
	}
	assert.Equal(t, run.Total(), sum)
	assert.Equal(t, []sinkCall{{jobID: 7}}, sink.Calls())
}
