package persistence

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor-plc/internal/types"
	"conveyor-plc/internal/util"
)

type capturedRequest struct {
	Path    string
	Form    url.Values
	TraceID string
	Type    string
}

func newGateway(t *testing.T) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var got []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		mu.Lock()
		got = append(got, capturedRequest{
			Path:    r.URL.Path,
			Form:    r.PostForm,
			TraceID: r.Header.Get("X-Trace-ID"),
			Type:    r.Header.Get("Content-Type"),
		})
		mu.Unlock()
		w.Write([]byte("OK"))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), got...)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOutbox_PostsForms(t *testing.T) {
	srv, requests := newGateway(t)
	o := NewOutbox(srv.URL+"/", time.Second, 8, 2, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Start(ctx)

	o.RecordLimitEvent(context.Background(), "limite_alcanzado", "normales", 10)
	o.RecordObject(util.ContextWithTraceID(context.Background(), "obj-42"), types.BinDiverted, "rojo", "normal")

	require.Eventually(t, func() bool { return len(requests()) == 2 }, 2*time.Second, 10*time.Millisecond)
	o.WaitForCompletion()

	byPath := map[string]capturedRequest{}
	for _, r := range requests() {
		byPath[r.Path] = r
	}
	ev := byPath[LimitEventPath]
	assert.Equal(t, "limite_alcanzado", ev.Form.Get("evento"))
	assert.Equal(t, "normales", ev.Form.Get("tipo_caja"))
	assert.Equal(t, "10", ev.Form.Get("contador_final"))
	assert.Equal(t, "application/x-www-form-urlencoded", ev.Type)

	obj := byPath[ObjectPath]
	assert.Equal(t, "1", obj.Form.Get("tipo"))
	assert.Equal(t, "rojo", obj.Form.Get("color"))
	assert.Equal(t, "normal", obj.Form.Get("estado"))
	assert.Equal(t, "obj-42", obj.TraceID)
}

func TestOutbox_DisabledWithoutBaseURL(t *testing.T) {
	o := NewOutbox("", time.Second, 8, 1, testLogger())
	o.RecordObject(context.Background(), types.BinNormal, "azul", "normal")
	assert.Zero(t, o.Pending())
}

func TestOutbox_FullQueueDropsLowestPriority(t *testing.T) {
	o := NewOutbox("http://127.0.0.1:1", time.Second, 2, 1, testLogger())
	ctx := context.Background()

	o.RecordObject(ctx, types.BinNormal, "rojo", "normal")
	o.RecordObject(ctx, types.BinNormal, "verde", "normal")
	o.RecordLimitEvent(ctx, "limite_alcanzado", "normales", 10) // 挤掉最新的物体记录
	o.RecordObject(ctx, types.BinNormal, "azul", "normal")      // 队列满且没有更弱的记录

	require.Equal(t, 2, o.Pending())
	first := o.pq[0]
	assert.Equal(t, "evento", first.Kind)
	var colors []string
	for _, j := range o.pq {
		if j.Kind == "objeto" {
			colors = append(colors, j.Form.Get("color"))
		}
	}
	assert.Equal(t, []string{"rojo"}, colors)
}

func TestOutbox_GatewayDownDoesNotBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	o := NewOutbox(addr, 200*time.Millisecond, 4, 1, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go o.Start(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			o.RecordLimitEvent(context.Background(), "limite_alcanzado", "desviados", uint32(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recording blocked on an unavailable gateway")
	}
	cancel()
	o.WaitForCompletion()
}
