package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/enq/internal/channel"
	"github.com/SirClappington/enq/internal/dispatch"
	"github.com/SirClappington/enq/internal/domain"
	"github.com/SirClappington/enq/internal/lock"
	"github.com/SirClappington/enq/internal/metrics"
	"github.com/SirClappington/enq/internal/queue"
	"github.com/SirClappington/enq/internal/validate"
)

type fixture struct {
	srv *httptest.Server
	q   *queue.RedisQ
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg, err := channel.New(
		channel.Channel{
			Name:           "sample",
			MaxLength:      20,
			AcceptResponse: "Thanks!",
			ErrorResponse:  "Oops.",
			Validators:     []channel.Rule{{Name: validate.Length, Message: "Too long."}},
		},
		channel.Channel{
			Name:           "hotline",
			MaxLength:      160,
			AcceptResponse: "Connecting.",
			ErrorResponse:  "Oops.",
			Call:           &channel.CallSettings{Timeout: 10 * time.Second, BusyResponse: "Busy."},
		},
	)
	require.NoError(t, err)
	require.NoError(t, reg.Bind("hotline", func(_ context.Context, j *domain.Job) error {
		j.Reply = "Hello " + j.From
		return nil
	}))

	promReg := prometheus.NewRegistry()
	m, err := metrics.New(promReg)
	require.NoError(t, err)

	q := queue.New(rdb)
	d := dispatch.New(reg, validate.NewChain(validate.Defaults(nil)), q, lock.New(rdb), dispatch.WithMetrics(m))
	h := NewHandler(reg, d, q, nil)
	srv := httptest.NewServer(NewRouter(h, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, q: q}
}

func (f *fixture) post(t *testing.T, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	res, err := http.PostForm(f.srv.URL+path, form)
	require.NoError(t, err)
	return res, readBody(t, res)
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func TestMessage_AcceptedAndQueued(t *testing.T) {
	f := newFixture(t)
	res, body := f.post(t, "/queue/sample", url.Values{
		"From":              {"+15550001111"},
		"Body":              {"hello"},
		"MessageSid":        {"SM1"},
		"FromZip":           {"10001"},
		"NumMedia":          {"1"},
		"MediaUrl0":         {"https://example.com/a.jpg"},
		"MediaContentType0": {"image/jpeg"},
	})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/xml", res.Header.Get("Content-Type"))
	assert.NotEmpty(t, res.Header.Get("X-Request-Id"))
	assert.Contains(t, body, "<Response><Message>Thanks!</Message></Response>")

	raw, err := f.q.Pop(context.Background(), "sample", time.Second)
	require.NoError(t, err)
	j, err := domain.DecodeJob(raw)
	require.NoError(t, err)
	assert.Equal(t, "hello", j.Body)
	assert.Equal(t, "SM1", j.SID)
	assert.Equal(t, "10001", j.Fields["zip"])
	require.Len(t, j.Media, 1)
	assert.Equal(t, "image/jpeg", j.Media[0].ContentType)
}

func TestMessage_GetAndRejection(t *testing.T) {
	f := newFixture(t)
	res, err := http.Get(f.srv.URL + "/queue/sample?From=%2B1555&Body=" + url.QueryEscape(strings.Repeat("x", 21)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, readBody(t, res), "<Message>Too long.</Message>")

	n, err := f.q.Len(context.Background(), "sample")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMessage_BadRequests(t *testing.T) {
	f := newFixture(t)
	res, _ := f.post(t, "/queue/nowhere", url.Values{"Body": {"hi"}})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = f.post(t, "/queue/sample", url.Values{"Body": {"hi"}, "NumMedia": {"many"}})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = f.post(t, "/queue/hotline", url.Values{"Body": {"hi"}})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestCall(t *testing.T) {
	f := newFixture(t)
	res, body := f.post(t, "/call/hotline", url.Values{"CallSid": {"CA1"}, "From": {"+1555"}})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "<Say>Hello +1555</Say>")

	res, _ = f.post(t, "/call/hotline", url.Values{"From": {"+1555"}})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = f.post(t, "/call/sample", url.Values{"CallSid": {"CA2"}})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = f.post(t, "/call/nowhere", url.Values{"CallSid": {"CA3"}})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestReportsAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/call/hotline", url.Values{"CallSid": {"CA1"}, "From": {"+1555"}})

	res, err := http.Get(f.srv.URL + "/reports/hotline")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var rep domain.Report
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rep))
	assert.Len(t, rep.Complete, 1)
	assert.Empty(t, rep.Pending)

	miss, err := http.Get(f.srv.URL + "/reports/nowhere")
	require.NoError(t, err)
	miss.Body.Close()
	assert.Equal(t, http.StatusNotFound, miss.StatusCode)

	mres, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	assert.Contains(t, readBody(t, mres), `enq_dispatch_events_total{channel="hotline",outcome="accepted"} 1`)
}

func TestParseEvent_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/queue/sample", nil)
	ev, err := parseEvent(req, "sample")
	require.NoError(t, err)
	assert.Equal(t, "sample", ev.Channel)
	assert.Nil(t, ev.Fields)
	assert.Nil(t, ev.Media)
}
