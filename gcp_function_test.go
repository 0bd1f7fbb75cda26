package workspace_sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timesheet-app/workspace-sync/config"
	"github.com/timesheet-app/workspace-sync/httpapi"
	"github.com/timesheet-app/workspace-sync/workspace"
)

func pubSubEvent(t *testing.T, payload []byte) event.Event {
	t.Helper()
	e := event.New()
	e.SetID("evt-1")
	e.SetSource("//pubsub.googleapis.com/projects/p/topics/workspace-sync")
	e.SetType("google.cloud.pubsub.topic.v1.messagePublished")
	var msg pubSubMessage
	msg.Message.Data = payload
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, e.SetData(event.ApplicationJSON, data))
	return e
}

func TestParseTriggerDefaultsToServiceAccount(t *testing.T) {
	req, err := parseTrigger(pubSubEvent(t, nil))
	require.NoError(t, err)
	assert.Equal(t, workspace.StrategyServiceAccount, req.Strategy)

	req, err = parseTrigger(event.New())
	require.NoError(t, err)
	assert.Equal(t, workspace.StrategyServiceAccount, req.Strategy)
}

func TestParseTriggerOAuth(t *testing.T) {
	req, err := parseTrigger(pubSubEvent(t, []byte(`{"strategy":"oauth2","identityId":"uid-7"}`)))
	require.NoError(t, err)
	assert.Equal(t, workspace.SyncRequest{Strategy: workspace.StrategyOAuth2, IdentityID: "uid-7"}, req)

	_, err = parseTrigger(pubSubEvent(t, []byte(`{"strategy":"oauth2"}`)))
	assert.Error(t, err)

	_, err = parseTrigger(pubSubEvent(t, []byte(`{"strategy":"carrier-pigeon"}`)))
	assert.Error(t, err)

	_, err = parseTrigger(pubSubEvent(t, []byte(`not json`)))
	assert.Error(t, err)
}

func TestPrintStatistics(t *testing.T) {
	var buf bytes.Buffer
	printStatistics(&buf, workspace.SyncResult{
		RunID:   "01HZX",
		Success: false,
		Error:   "directory listing failed",
		Details: workspace.SyncDetails{Added: 2, Errors: 1},
	})
	assert.Equal(t, "Sync 01HZX: Failure\n\tdirectory listing failed\n\tAdded: 2\n\tErrors: 1\n", buf.String())
}

type countingRunner struct {
	calls  []workspace.SyncRequest
	result workspace.SyncResult
}

func (r *countingRunner) Sync(_ context.Context, req workspace.SyncRequest) workspace.SyncResult {
	r.calls = append(r.calls, req)
	return r.result
}

type stubLock struct {
	ok       bool
	err      error
	tries    int
	released int
}

func (l *stubLock) TryLock(context.Context) (func(), bool, error) {
	l.tries++
	if l.err != nil || !l.ok {
		return nil, false, l.err
	}
	return func() { l.released++ }, true, nil
}

func testApplication(runner syncRunner, lock httpapi.ISyncLock) *application {
	return &application{service: runner, lock: lock, logger: slog.New(slog.DiscardHandler)}
}

func TestPubSubSyncHoldsLock(t *testing.T) {
	runner := &countingRunner{result: workspace.SyncResult{RunID: "r1", Success: true}}
	lock := &stubLock{ok: true}
	a := testApplication(runner, lock)

	var out bytes.Buffer
	require.NoError(t, a.runPubSub(context.Background(), pubSubEvent(t, nil), &out))
	assert.Equal(t, 1, lock.tries)
	assert.Equal(t, 1, lock.released)
	assert.Equal(t, []workspace.SyncRequest{{Strategy: workspace.StrategyServiceAccount}}, runner.calls)
	assert.Equal(t, "Sync r1: Success\n", out.String())
}

func TestPubSubSyncSkipsWhileRunInFlight(t *testing.T) {
	runner := &countingRunner{result: workspace.SyncResult{Success: true}}
	lock := &stubLock{ok: false}
	a := testApplication(runner, lock)

	err := a.runPubSub(context.Background(), pubSubEvent(t, nil), &bytes.Buffer{})
	assert.ErrorIs(t, err, errSyncInProgress)
	assert.Equal(t, 1, lock.tries)
	assert.Empty(t, runner.calls)

	lock.err = errors.New("redis: connection refused")
	err = a.runPubSub(context.Background(), pubSubEvent(t, nil), &bytes.Buffer{})
	assert.ErrorContains(t, err, "connection refused")
	assert.Empty(t, runner.calls)
}

func TestPubSubSyncFailureIsReturned(t *testing.T) {
	runner := &countingRunner{result: workspace.SyncResult{RunID: "r2", Error: "directory listing failed"}}
	lock := &stubLock{ok: true}
	a := testApplication(runner, lock)

	err := a.runPubSub(context.Background(), pubSubEvent(t, nil), &bytes.Buffer{})
	assert.EqualError(t, err, "directory listing failed")
	assert.Equal(t, 1, lock.released)
}

func TestPubSubInvalidTriggerIsAcknowledged(t *testing.T) {
	runner := &countingRunner{}
	lock := &stubLock{ok: true}
	a := testApplication(runner, lock)

	assert.NoError(t, a.runPubSub(context.Background(), pubSubEvent(t, []byte(`{"strategy":"oauth2"}`)), &bytes.Buffer{}))
	assert.Zero(t, lock.tries)
	assert.Empty(t, runner.calls)
}

func TestApplicationSharesSyncLock(t *testing.T) {
	a, err := newApplication(context.Background(), config.Config{Environment: "test", SyncTimeout: time.Minute})
	require.NoError(t, err)
	require.IsType(t, &httpapi.MemorySyncLock{}, a.lock)

	release, ok, err := a.lock.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	err = a.runPubSub(context.Background(), pubSubEvent(t, nil), &bytes.Buffer{})
	assert.ErrorIs(t, err, errSyncInProgress)
}

func TestSyncLockOutlivesRunTimeout(t *testing.T) {
	cfg := config.Config{SyncTimeout: 5 * time.Minute}
	assert.Equal(t, 5*time.Minute+30*time.Second, syncLockTTL(cfg))
}
