package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/sykell/url-monitor/internal/classifier"
	"github.com/sykell/url-monitor/internal/crawler"
	"github.com/sykell/url-monitor/internal/db"
	"github.com/sykell/url-monitor/internal/notify"
	"github.com/sykell/url-monitor/internal/service"
)

const exampleDomainHTML = `<!doctype html>
<html>
<head>
    <title>Example Domain</title>
    <meta charset="utf-8" />
    <style type="text/css">body { background-color: #f0f0f2; }</style>
</head>
<body>
<div>
    <h1>Example Domain</h1>
    <p>This domain is for use in illustrative examples in documents. You may use this
    domain in literature without prior coordination or asking for permission.</p>
    <p><a href="https://www.iana.org/domains/example">More information...</a></p>
</div>
</body>
</html>`

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]*crawler.Page
	errs    map[string]error
	calls   map[string]int
	gate    chan struct{}
	entered chan string
	panicOn string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string]*crawler.Page),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, address string, mode db.JobMode) (*crawler.Page, error) {
	f.mu.Lock()
	f.calls[address]++
	gate, entered, panicOn := f.gate, f.entered, f.panicOn
	page, err := f.pages[address], f.errs[address]
	f.mu.Unlock()

	if entered != nil {
		entered <- address
	}
	if address == panicOn {
		panic("fetcher exploded")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if page == nil {
		text := []string{"Nothing to see here"}
		page = &crawler.Page{URL: address, Title: "Plain", Text: text, Hash: crawler.ContentHash(text, nil)}
	}
	return page, nil
}

func (f *fakeFetcher) set(fn func(f *fakeFetcher)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (n *recordingNotifier) Notify(ctx context.Context, webhookURL string, alert notify.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type testEnv struct {
	conn     *gorm.DB
	jobs     *service.JobService
	clock    *clockwork.FakeClock
	sched    *Scheduler
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, fetcher Fetcher) *testEnv {
	t.Helper()

	conn, err := db.OpenMemory()
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	jobs := service.NewJobService(conn, service.WithClock(clock))
	notifier := &recordingNotifier{}
	sched := New(jobs, fetcher, classifier.New(classifier.DefaultRules()),
		&Config{TickInterval: time.Second, Concurrency: 4, CheckTimeout: 5 * time.Second},
		WithClock(clock), WithNotifier(notifier))
	jobs.SetRunner(sched)
	t.Cleanup(sched.Stop)

	return &testEnv{conn: conn, jobs: jobs, clock: clock, sched: sched, notifier: notifier}
}

func (e *testEnv) createJob(t *testing.T, address string, interval int) *db.Job {
	t.Helper()
	job, err := e.jobs.Create(context.Background(), service.CreateJobInput{
		URL:             address,
		IntervalSeconds: interval,
		Mode:            db.ModeStatic,
		WebhookURL:      "https://hooks.example.com/alerts",
	})
	require.NoError(t, err)
	return job
}

func (e *testEnv) runs(t *testing.T, jobID string) []db.Run {
	t.Helper()
	runs, err := e.jobs.ListRuns(context.Background(), jobID, 0)
	require.NoError(t, err)
	return runs
}

func waitEntered(t *testing.T, ch chan string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch was never started")
	}
}

func TestConcurrentRunNowKeepsOneRunInFlight(t *testing.T) {
	ff := newFakeFetcher()
	ff.gate = make(chan struct{})
	env := newTestEnv(t, ff)
	job := env.createJob(t, "https://a.example.com", 300)

	const callers = 10
	results := make([]service.TriggerResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.jobs.RunNow(context.Background(), job.ID)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	started := 0
	for _, res := range results {
		assert.Equal(t, results[0].RunID, res.RunID)
		if !res.Joined {
			started++
		}
	}
	assert.Equal(t, 1, started)

	close(ff.gate)
	env.sched.Wait()

	runs := env.runs(t, job.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, results[0].RunID, runs[0].ID)
	assert.Equal(t, db.RunCompleted, runs[0].Status)
	assert.Equal(t, db.TriggerManual, runs[0].Trigger)
}

func TestDeleteDuringCheckDiscardsResult(t *testing.T) {
	ff := newFakeFetcher()
	ff.gate = make(chan struct{})
	ff.entered = make(chan string, 1)
	env := newTestEnv(t, ff)
	job := env.createJob(t, "https://b.example.com", 300)

	res, err := env.jobs.RunNow(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, res.Joined)
	waitEntered(t, ff.entered)

	require.NoError(t, env.jobs.Delete(context.Background(), job.ID))
	env.sched.Wait()

	_, err = env.jobs.Get(context.Background(), job.ID)
	assert.ErrorIs(t, err, service.ErrNotFound)

	var count int64
	require.NoError(t, env.conn.Model(&db.Run{}).Where("job_id = ?", job.ID).Count(&count).Error)
	assert.Zero(t, count)

	_, inFlight := env.sched.InFlight(job.ID)
	assert.False(t, inFlight)
	assert.ErrorIs(t, env.jobs.Delete(context.Background(), job.ID), service.ErrNotFound)
}

func TestUnreachableHostDoesNotStopOtherJobs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(exampleDomainHTML))
	}))
	defer server.Close()

	fetcher := crawler.NewFetcher(&crawler.Config{
		UserAgent:        "monitor-test",
		RequestTimeout:   2 * time.Second,
		MaxRetries:       0,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       time.Millisecond,
		MaxBodyBytes:     1 << 20,
		AutoMinTextLines: 5,
	})
	env := newTestEnv(t, fetcher)

	good := env.createJob(t, server.URL, 60)
	bad := env.createJob(t, "http://127.0.0.1:1", 60)

	assert.Equal(t, 0, env.sched.Tick(context.Background()))
	env.clock.Advance(60 * time.Second)
	assert.Equal(t, 2, env.sched.Tick(context.Background()))
	env.sched.Wait()

	goodRuns := env.runs(t, good.ID)
	require.Len(t, goodRuns, 1)
	assert.Equal(t, db.RunCompleted, goodRuns[0].Status)
	require.NotNil(t, goodRuns[0].RiskLevel)
	assert.Equal(t, db.RiskNone, *goodRuns[0].RiskLevel)
	assert.Empty(t, goodRuns[0].Flags)
	assert.NotEmpty(t, goodRuns[0].ContentHash)
	assert.Nil(t, goodRuns[0].RiskAt)

	badRuns := env.runs(t, bad.ID)
	require.Len(t, badRuns, 1)
	assert.Equal(t, db.RunFailed, badRuns[0].Status)
	assert.Nil(t, badRuns[0].RiskLevel)
	assert.Equal(t, []string{crawler.FlagNetworkError}, badRuns[0].Flags)
	assert.NotEmpty(t, badRuns[0].Error)

	goodJob, err := env.jobs.Get(context.Background(), good.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobActive, goodJob.Status)
	badJob, err := env.jobs.Get(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobError, badJob.Status)
	assert.Zero(t, env.notifier.count())
}

func TestManualRunDoesNotShiftSchedule(t *testing.T) {
	ff := newFakeFetcher()
	env := newTestEnv(t, ff)
	ctx := context.Background()
	job := env.createJob(t, "https://c.example.com", 300)

	env.clock.Advance(100 * time.Second)
	assert.Equal(t, 0, env.sched.Tick(ctx))
	_, err := env.jobs.RunNow(ctx, job.ID)
	require.NoError(t, err)
	env.sched.Wait()

	env.clock.Advance(200 * time.Second)
	assert.Equal(t, 1, env.sched.Tick(ctx))
	env.sched.Wait()

	env.clock.Advance(299 * time.Second)
	assert.Equal(t, 0, env.sched.Tick(ctx))
	env.clock.Advance(time.Second)
	assert.Equal(t, 1, env.sched.Tick(ctx))
	env.sched.Wait()

	runs := env.runs(t, job.ID)
	require.Len(t, runs, 3)
	assert.Equal(t, db.TriggerScheduled, runs[0].Trigger)
	assert.Equal(t, db.TriggerScheduled, runs[1].Trigger)
	assert.Equal(t, db.TriggerManual, runs[2].Trigger)
}

func TestOverdueJobGetsSingleRun(t *testing.T) {
	ff := newFakeFetcher()
	env := newTestEnv(t, ff)
	job := env.createJob(t, "https://d.example.com", 60)

	env.clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, env.sched.Tick(context.Background()))
	env.sched.Wait()
	assert.Equal(t, 0, env.sched.Tick(context.Background()))

	assert.Len(t, env.runs(t, job.ID), 1)
}

func TestPausedJobsAreNotScheduled(t *testing.T) {
	ff := newFakeFetcher()
	env := newTestEnv(t, ff)
	job := env.createJob(t, "https://e.example.com", 60)

	paused := db.JobPaused
	_, err := env.jobs.Update(context.Background(), job.ID, service.UpdateJobInput{Status: &paused})
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	assert.Equal(t, 0, env.sched.Tick(context.Background()))

	res, err := env.jobs.RunNow(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	env.sched.Wait()

	got, err := env.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobPaused, got.Status)
	assert.Empty(t, env.runs(t, job.ID))
	assert.Zero(t, ff.calls["https://e.example.com"])
}

func TestPauseDuringCheckKeepsJobPaused(t *testing.T) {
	ff := newFakeFetcher()
	ff.gate = make(chan struct{})
	ff.entered = make(chan string, 1)
	env := newTestEnv(t, ff)
	job := env.createJob(t, "https://e2.example.com", 60)

	_, err := env.jobs.RunNow(context.Background(), job.ID)
	require.NoError(t, err)
	waitEntered(t, ff.entered)

	paused := db.JobPaused
	_, err = env.jobs.Update(context.Background(), job.ID, service.UpdateJobInput{Status: &paused})
	require.NoError(t, err)
	close(ff.gate)
	env.sched.Wait()

	got, err := env.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobPaused, got.Status)
	runs := env.runs(t, job.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, db.RunCompleted, runs[0].Status)
}

func TestUnchangedContentCarriesVerdict(t *testing.T) {
	const address = "https://f.example.com"
	risky := []string{"Huge selection of firearms for sale"}
	ff := newFakeFetcher()
	ff.pages[address] = &crawler.Page{URL: address, Text: risky, Hash: crawler.ContentHash(risky, nil)}
	env := newTestEnv(t, ff)
	job := env.createJob(t, address, 300)
	ctx := context.Background()

	runOnce := func() {
		_, err := env.jobs.RunNow(ctx, job.ID)
		require.NoError(t, err)
		env.sched.Wait()
		env.clock.Advance(time.Minute)
	}

	runOnce()
	runOnce()
	assert.Equal(t, 1, env.notifier.count())

	runs := env.runs(t, job.ID)
	require.Len(t, runs, 2)
	for _, run := range runs {
		require.NotNil(t, run.RiskLevel)
		assert.Equal(t, db.RiskHigh, *run.RiskLevel)
		assert.Equal(t, []string{"weapons_sale"}, run.Flags)
		require.NotNil(t, run.RiskAt)
	}
	assert.True(t, runs[0].RiskAt.Equal(*runs[1].RiskAt))

	// changed but still risky content alerts again and keeps the first risk time
	worse := append(risky, "Also free spins at our online casino")
	ff.set(func(f *fakeFetcher) {
		f.pages[address] = &crawler.Page{URL: address, Text: worse, Hash: crawler.ContentHash(worse, nil)}
	})
	runOnce()
	assert.Equal(t, 2, env.notifier.count())

	runs = env.runs(t, job.ID)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"weapons_sale", "gambling"}, runs[0].Flags)
	assert.True(t, runs[2].RiskAt.Equal(*runs[0].RiskAt))
}

func TestFailedRunSetsJobErrorUntilNextSuccess(t *testing.T) {
	const address = "https://g.example.com"
	ff := newFakeFetcher()
	ff.errs[address] = &crawler.HTTPStatusError{URL: address, StatusCode: 404, Status: "404 Not Found"}
	env := newTestEnv(t, ff)
	job := env.createJob(t, address, 300)
	ctx := context.Background()

	_, err := env.jobs.RunNow(ctx, job.ID)
	require.NoError(t, err)
	env.sched.Wait()

	got, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobError, got.Status)
	runs := env.runs(t, job.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, []string{crawler.FlagHTTPError}, runs[0].Flags)

	ff.set(func(f *fakeFetcher) { delete(f.errs, address) })
	env.clock.Advance(time.Second)
	_, err = env.jobs.RunNow(ctx, job.ID)
	require.NoError(t, err)
	env.sched.Wait()

	got, err = env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobActive, got.Status)
}

func TestPanickingCheckIsRecorded(t *testing.T) {
	const address = "https://h.example.com"
	ff := newFakeFetcher()
	ff.panicOn = address
	env := newTestEnv(t, ff)
	job := env.createJob(t, address, 300)
	ctx := context.Background()

	_, err := env.jobs.RunNow(ctx, job.ID)
	require.NoError(t, err)
	env.sched.Wait()

	runs := env.runs(t, job.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, db.RunFailed, runs[0].Status)
	assert.Equal(t, []string{FlagInternalError}, runs[0].Flags)

	ff.set(func(f *fakeFetcher) { f.panicOn = "" })
	env.clock.Advance(time.Second)
	res, err := env.jobs.RunNow(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, res.Joined)
	env.sched.Wait()
	assert.Len(t, env.runs(t, job.ID), 2)
}

func TestStopInterruptsInFlightCheck(t *testing.T) {
	ff := newFakeFetcher()
	ff.gate = make(chan struct{})
	ff.entered = make(chan string, 1)
	env := newTestEnv(t, ff)
	job := env.createJob(t, "https://i.example.com", 300)

	_, err := env.jobs.RunNow(context.Background(), job.ID)
	require.NoError(t, err)
	waitEntered(t, ff.entered)

	env.sched.Stop()

	runs := env.runs(t, job.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, db.RunFailed, runs[0].Status)
	assert.Equal(t, []string{service.FlagInterrupted}, runs[0].Flags)

	_, err = env.jobs.RunNow(context.Background(), job.ID)
	assert.True(t, errors.Is(err, ErrStopped))
}

func TestStartFailsStaleRuns(t *testing.T) {
	ff := newFakeFetcher()
	env := newTestEnv(t, ff)
	job := env.createJob(t, "https://j.example.com", 300)

	_, stale, err := env.jobs.BeginRun(context.Background(), job.ID, "", db.TriggerScheduled)
	require.NoError(t, err)

	require.NoError(t, env.sched.Start())
	assert.Error(t, env.sched.Start())

	runs := env.runs(t, job.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, stale.ID, runs[0].ID)
	assert.Equal(t, db.RunFailed, runs[0].Status)
	assert.Equal(t, []string{service.FlagInterrupted}, runs[0].Flags)
	assert.NotNil(t, runs[0].FinishedAt)
}

func TestExampleDomainIsSafe(t *testing.T) {
	page, err := crawler.ParseDocument(strings.NewReader(exampleDomainHTML), "https://example.com", db.ModeAuto, 5)
	require.NoError(t, err)

	ff := newFakeFetcher()
	ff.pages["https://example.com"] = page
	env := newTestEnv(t, ff)
	ctx := context.Background()

	job, err := env.jobs.Create(ctx, service.CreateJobInput{URL: "example.com", IntervalSeconds: 3600, Mode: db.ModeAuto})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", job.URL)

	env.clock.Advance(3599 * time.Second)
	assert.Equal(t, 0, env.sched.Tick(ctx))
	env.clock.Advance(time.Second)
	assert.Equal(t, 1, env.sched.Tick(ctx))
	env.sched.Wait()

	runs := env.runs(t, job.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, db.TriggerScheduled, runs[0].Trigger)
	assert.Equal(t, db.RunCompleted, runs[0].Status)
	require.NotNil(t, runs[0].RiskLevel)
	assert.Equal(t, db.RiskNone, *runs[0].RiskLevel)
	assert.Empty(t, runs[0].Flags)
	assert.Zero(t, env.notifier.count())
}

func TestRiskyPageDeliversWebhook(t *testing.T) {
	var mu sync.Mutex
	var received []notify.Alert
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert notify.Alert
		if err := json.NewDecoder(r.Body).Decode(&alert); err == nil {
			mu.Lock()
			received = append(received, alert)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	text := []string{"Firearms for sale, no license required"}
	ff := newFakeFetcher()
	ff.pages["https://shop.example.com"] = &crawler.Page{
		URL:   "https://shop.example.com",
		Title: "Shop",
		Text:  text,
		Hash:  crawler.ContentHash(text, nil),
	}

	conn, err := db.OpenMemory()
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	jobs := service.NewJobService(conn, service.WithClock(clock), service.WithDefaultWebhook(hook.URL))
	sched := New(jobs, ff, classifier.New(classifier.DefaultRules()), DefaultConfig(),
		WithClock(clock),
		WithNotifier(notify.NewNotifier(notify.Config{MaxRetries: 2, Backoff: time.Millisecond, RequestTimeout: time.Second})))
	jobs.SetRunner(sched)
	defer sched.Stop()

	job, err := jobs.Create(context.Background(), service.CreateJobInput{
		URL:             "https://shop.example.com",
		IntervalSeconds: 300,
		Mode:            db.ModeStatic,
	})
	require.NoError(t, err)
	assert.Equal(t, hook.URL, job.WebhookURL)

	res, err := jobs.RunNow(context.Background(), job.ID)
	require.NoError(t, err)
	sched.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, job.ID, received[0].JobID)
	assert.Equal(t, res.RunID, received[0].RunID)
	assert.Equal(t, db.RiskHigh, received[0].RiskLevel)
	assert.Contains(t, received[0].Flags, "weapons_sale")
}

type blockingNotifier struct {
	entered chan struct{}
	gate    chan struct{}
}

func (n *blockingNotifier) Notify(ctx context.Context, webhookURL string, alert notify.Alert) error {
	n.entered <- struct{}{}
	select {
	case <-n.gate:
	case <-ctx.Done():
	}
	return nil
}

func TestSlowWebhookDoesNotHoldJob(t *testing.T) {
	text := []string{"Fake passport and counterfeit banknotes shipped worldwide"}
	ff := newFakeFetcher()
	ff.pages["https://docs.example.com"] = &crawler.Page{
		URL:   "https://docs.example.com",
		Title: "Docs",
		Text:  text,
		Hash:  crawler.ContentHash(text, nil),
	}

	conn, err := db.OpenMemory()
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	jobs := service.NewJobService(conn, service.WithClock(clock))
	notifier := &blockingNotifier{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	sched := New(jobs, ff, classifier.New(classifier.DefaultRules()), DefaultConfig(),
		WithClock(clock), WithNotifier(notifier))
	jobs.SetRunner(sched)
	defer sched.Stop()

	job, err := jobs.Create(context.Background(), service.CreateJobInput{
		URL:             "https://docs.example.com",
		IntervalSeconds: 300,
		Mode:            db.ModeStatic,
		WebhookURL:      "https://hooks.example.com/alerts",
	})
	require.NoError(t, err)

	first, err := jobs.RunNow(context.Background(), job.ID)
	require.NoError(t, err)
	select {
	case <-notifier.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("alert was never sent")
	}

	_, inFlight := sched.InFlight(job.ID)
	assert.False(t, inFlight)

	second, err := jobs.RunNow(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, second.Joined)
	assert.NotEqual(t, first.RunID, second.RunID)

	// the second check sees unchanged content and sends no alert
	close(notifier.gate)
	sched.Wait()

	runs, err := jobs.ListRuns(context.Background(), job.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, db.RunCompleted, run.Status)
	}
}
