package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/apps/ot-edge-connector/internal/record"
)

// fakeClient is a scripted Client: Connect/SubscribeOrPoll return whatever
// the test queues up, in order, so the reconnect loop's retry/give-up
// behavior can be exercised without a real OT endpoint.
type fakeClient struct {
	mu sync.Mutex

	connectErrs []error
	pollErrs    []error
	connectN    int
	pollN       int

	disconnects int
}

func (f *fakeClient) ProtocolType() Type { return record.ProtocolMQTT }
func (f *fakeClient) SourceName() string { return "fake-source" }
func (f *fakeClient) Endpoint() string   { return "fake://endpoint" }

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.connectN < len(f.connectErrs) {
		err = f.connectErrs[f.connectN]
	}
	f.connectN++
	return err
}

func (f *fakeClient) SubscribeOrPoll(ctx context.Context) error {
	f.mu.Lock()
	idx := f.pollN
	f.pollN++
	var err error
	if idx < len(f.pollErrs) {
		err = f.pollErrs[idx]
	}
	f.mu.Unlock()

	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (f *fakeClient) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Test(ctx context.Context) TestResult { return TestResult{OK: true} }

func fastReconnectConfig() ReconnectConfig {
	return ReconnectConfig{InitialDelay: 2 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
}

func TestRunWithReconnectStopsOnFatalConfigError(t *testing.T) {
	client := &fakeClient{connectErrs: []error{&FatalConfigError{Err: errors.New("bad schema")}}}

	var statuses []Status
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		RunWithReconnect(context.Background(), client, fastReconnectConfig(), zap.NewNop(), func(s Status) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunWithReconnect did not return after a fatal config error")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	last := statuses[len(statuses)-1]
	assert.False(t, last.Connected)
	assert.Contains(t, last.LastError, "bad schema")
}

func TestRunWithReconnectRetriesTransientFailures(t *testing.T) {
	client := &fakeClient{
		connectErrs: []error{errors.New("connection refused"), errors.New("connection refused")},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		RunWithReconnect(ctx, client, fastReconnectConfig(), zap.NewNop(), nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunWithReconnect did not return after ctx cancellation")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.GreaterOrEqual(t, client.connectN, 3, "should have retried past the two transient failures")
}

func TestRunWithReconnectReportsConnectedAfterSuccess(t *testing.T) {
	client := &fakeClient{}

	ctx, cancel := context.WithCancel(context.Background())
	var statuses []Status
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		RunWithReconnect(ctx, client, fastReconnectConfig(), zap.NewNop(), func(s Status) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
			if s.Connected {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunWithReconnect did not return after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	assert.True(t, statuses[0].Connected)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 1, client.disconnects)
}
