package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/skyrelay/internal/server"
	"github.com/loykin/skyrelay/internal/supervisor"
	"github.com/loykin/skyrelay/internal/timeslice"
)

type source struct{}

var statuses = []supervisor.ServiceStatus{
	{Name: "adsb", Up: true, PID: 11},
	{Name: "slice-0", Up: true, PID: 12, Slice: &timeslice.SliceState{Device: "0", State: timeslice.StateQuiescing}},
}

func (source) Status(context.Context) []supervisor.ServiceStatus { return statuses }

func (source) StatusOf(_ context.Context, name string) (supervisor.ServiceStatus, bool) {
	for _, st := range statuses {
		if st.Name == name {
			return st, true
		}
	}
	return supervisor.ServiceStatus{}, false
}

func (source) Logs(_ context.Context, name string, _ int, _ bool, w io.Writer) error {
	if name != "adsb" {
		return fmt.Errorf("no log for service %q", name)
	}
	_, err := io.WriteString(w, "tail\n")
	return err
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r, err := server.NewRouter(source{}, "/api", nil)
	require.NoError(t, err)
	ts := httptest.NewServer(r.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestClientAgainstRouter(t *testing.T) {
	ts := newTestServer(t)
	c := New(Config{BaseURL: ts.URL + "/api/"})
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))

	sts, err := c.Status(ctx)
	require.NoError(t, err)
	require.Len(t, sts, 2)
	require.NotNil(t, sts[1].Slice)
	assert.Equal(t, timeslice.StateQuiescing, sts[1].Slice.State)

	st, err := c.StatusOf(ctx, "adsb")
	require.NoError(t, err)
	assert.Equal(t, 11, st.PID)

	_, err = c.StatusOf(ctx, "acars")
	assert.ErrorIs(t, err, ErrNotFound)

	logs, err := c.Logs(ctx, "adsb", 5)
	require.NoError(t, err)
	assert.Equal(t, "tail\n", logs)

	_, err = c.Logs(ctx, "vdl2", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()
	c := New(Config{BaseURL: url + "/api"})
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, "http://127.0.0.1:8090/api", c.baseURL)
	assert.Equal(t, "http://127.0.0.1:8090", c.rootURL)
}
