package connectivity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/actisync/internal/logging"
)

func TestMonitorSetOnlineEmitsOnlyOnChange(t *testing.T) {
	m := NewMonitor(false)
	ch, cancel := m.Subscribe()
	defer cancel()

	assert.False(t, m.SetOnline(false), "same state is not a change")
	assert.True(t, m.SetOnline(true))
	assert.True(t, m.Online())
	assert.False(t, m.SetOnline(true))
	assert.True(t, m.SetOnline(false))

	first := <-ch
	second := <-ch
	assert.True(t, first.Online)
	assert.False(t, second.Online)
	assert.False(t, second.At.Before(first.At))

	select {
	case tr := <-ch:
		t.Fatalf("unexpected transition %+v", tr)
	default:
	}
}

func TestMonitorSlowSubscriberKeepsNewest(t *testing.T) {
	m := NewMonitor(false)
	ch, cancel := m.Subscribe()
	defer cancel()

	// Overflow the buffer without reading
	for i := 0; i < subscriberBuffer*2+1; i++ {
		m.SetOnline(i%2 == 0)
	}

	var last Transition
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, m.Online(), last.Online)
}

func TestMonitorCancelClosesChannel(t *testing.T) {
	m := NewMonitor(true)
	ch, cancel := m.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Transitions after cancel must not panic
	m.SetOnline(false)
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in         string
		wantOnline bool
		wantOK     bool
	}{
		{"online", true, true},
		{" ONLINE\n", true, true},
		{"up", true, true},
		{"1", true, true},
		{"offline", false, true},
		{"down\n", false, true},
		{"0", false, true},
		{"", false, false},
		{"maybe", false, false},
	}
	for _, tt := range tests {
		online, ok := ParseSignal(tt.in)
		assert.Equal(t, tt.wantOK, ok, "input %q", tt.in)
		assert.Equal(t, tt.wantOnline, online, "input %q", tt.in)
	}
}

func TestFileSignal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network")
	require.NoError(t, os.WriteFile(path, []byte("offline\n"), 0644))

	m := NewMonitor(true)
	ch, cancelSub := m.Subscribe()
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewFileSignal(path, m, logging.Discard()).Run(ctx)
	}()

	select {
	case tr := <-ch:
		assert.False(t, tr.Online, "initial file content is applied")
	case <-time.After(5 * time.Second):
		t.Fatal("initial state not applied")
	}

	require.NoError(t, os.WriteFile(path, []byte("online\n"), 0644))
	select {
	case tr := <-ch:
		assert.True(t, tr.Online)
	case <-time.After(5 * time.Second):
		t.Fatal("file change not observed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFileSignalMissingDirectory(t *testing.T) {
	m := NewMonitor(true)
	err := NewFileSignal("/nonexistent/dir/network", m, logging.Discard()).Run(context.Background())
	assert.Error(t, err)
}
