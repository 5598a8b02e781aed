package lookup

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitalvas/nsq"
)

const producersJSON = `{"data":{"producers":[
	{"remote_address":"10.0.0.1:51234","hostname":"nsqd-1","broadcast_address":"nsqd-1.local","tcp_port":4150,"http_port":4151,"version":"1.3.0"},
	{"remote_address":"10.0.0.2:51234","hostname":"nsqd-2","broadcast_address":"nsqd-2.local","tcp_port":4250,"http_port":4251,"version":"1.3.0"}
]}}`

// fakeLookupd serves a subset of the nsqlookupd API and records mutating calls.
type fakeLookupd struct {
	server *httptest.Server

	mu    sync.Mutex
	calls []string
}

func (f *fakeLookupd) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newFakeLookupd(t *testing.T) *fakeLookupd {
	t.Helper()

	f := &fakeLookupd{}
	r := chi.NewRouter()

	r.Get("/lookup", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("topic") != "orders" {
			http.Error(w, `{"message":"TOPIC_NOT_FOUND"}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(producersJSON))
	})
	r.Get("/nodes", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(producersJSON))
	})
	r.Get("/topics", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"topics":["orders","users"]}}`))
	})
	r.Get("/channels", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "orders", req.URL.Query().Get("topic"))
		_, _ = w.Write([]byte(`{"data":{"channels":["billing","audit#ephemeral"]}}`))
	})
	r.Get("/info", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"version":"1.3.0"}}`))
	})
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	record := func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, req.URL.Path+"?"+req.URL.RawQuery)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
	r.Post("/topic/delete", record)
	r.Post("/channel/delete", record)
	r.Post("/topic/tombstone", record)

	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

func TestClientQueries(t *testing.T) {
	f := newFakeLookupd(t)
	c := New(f.server.URL)
	ctx := context.Background()

	t.Run("lookup", func(t *testing.T) {
		producers := c.Lookup(ctx, "orders")
		require.Len(t, producers, 2)
		assert.Equal(t, "nsqd-1", producers[0].Hostname)
		assert.Equal(t, nsq.Endpoint{Host: "nsqd-1.local", Port: 4150}, producers[0].Endpoint())
		assert.Equal(t, "nsqd-2.local:4251", producers[1].HTTPAddress())
	})

	t.Run("topics", func(t *testing.T) {
		assert.Equal(t, []nsq.Topic{"orders", "users"}, c.Topics(ctx))
	})

	t.Run("channels", func(t *testing.T) {
		assert.Equal(t, []nsq.Channel{"billing", "audit#ephemeral"}, c.Channels(ctx, "orders"))
	})

	t.Run("nodes", func(t *testing.T) {
		assert.Len(t, c.Nodes(ctx), 2)
	})

	t.Run("version", func(t *testing.T) {
		assert.Equal(t, "1.3.0", c.Version(ctx))
	})

	t.Run("ping", func(t *testing.T) {
		assert.True(t, c.Ping(ctx))
	})
}

func TestClientBareResponses(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/lookup", func(w http.ResponseWriter, req *http.Request) {
		assert.Empty(t, req.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"channels":["billing"],"producers":[
			{"remote_address":"10.0.0.1:51234","hostname":"nsqd-1","broadcast_address":"nsqd-1.local","tcp_port":4150,"http_port":4151,"version":"1.3.0"}
		]}`))
	})
	r.Get("/topics", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"topics":["orders"]}`))
	})
	r.Get("/channels", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"channels":["billing"]}`))
	})
	r.Get("/info", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"version":"1.3.0"}`))
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	c := New(server.URL)
	ctx := context.Background()

	producers := c.Lookup(ctx, "orders")
	require.Len(t, producers, 1)
	assert.Equal(t, nsq.Endpoint{Host: "nsqd-1.local", Port: 4150}, producers[0].Endpoint())
	assert.Equal(t, []nsq.Topic{"orders"}, c.Topics(ctx))
	assert.Equal(t, []nsq.Channel{"billing"}, c.Channels(ctx, "orders"))
	assert.Equal(t, "1.3.0", c.Version(ctx))

	endpoints, err := Resolver(c, "orders")(ctx)
	require.NoError(t, err)
	assert.Equal(t, []nsq.Endpoint{{Host: "nsqd-1.local", Port: 4150}}, endpoints)
}

func TestClientMutations(t *testing.T) {
	f := newFakeLookupd(t)
	c := New(f.server.URL)
	ctx := context.Background()

	assert.True(t, c.DeleteTopic(ctx, "orders"))
	assert.True(t, c.DeleteChannel(ctx, "orders", "billing"))
	assert.True(t, c.TombstoneTopicProducer(ctx, "orders", Producer{BroadcastAddress: "nsqd-1.local", HTTPPort: 4151}))

	assert.Equal(t, []string{
		"/topic/delete?topic=orders",
		"/channel/delete?channel=billing&topic=orders",
		"/topic/tombstone?node=nsqd-1.local%3A4151&topic=orders",
	}, f.recorded())
}

func TestClientFailuresYieldDefaults(t *testing.T) {
	var logs bytes.Buffer
	logger := nsq.NewStdLogger(&logs, nsq.LogLevelWarn)

	r := chi.NewRouter()
	r.Get("/topics", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message":"no data here"}`))
	})
	r.Get("/channels", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})
	r.Get("/info", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("NOT OK"))
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	c := New(server.URL, WithLogger(logger))
	ctx := context.Background()

	t.Run("missing data envelope", func(t *testing.T) {
		topics := c.Topics(ctx)
		assert.NotNil(t, topics)
		assert.Empty(t, topics)
	})

	t.Run("malformed body", func(t *testing.T) {
		assert.Empty(t, c.Channels(ctx, "orders"))
	})

	t.Run("server error", func(t *testing.T) {
		assert.Empty(t, c.Version(ctx))
	})

	t.Run("unexpected ping body", func(t *testing.T) {
		assert.False(t, c.Ping(ctx))
	})

	t.Run("not found", func(t *testing.T) {
		assert.Empty(t, c.Lookup(ctx, "orders"))
		assert.False(t, c.DeleteTopic(ctx, "orders"))
	})

	assert.Contains(t, logs.String(), "lookupd response has no data")
	assert.Contains(t, logs.String(), "lookupd request rejected")
}

func TestClientTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.Listener.Addr().String()
	server.Close()

	c := New(addr, WithTimeout(time.Second))
	ctx := context.Background()

	assert.Empty(t, c.Lookup(ctx, "orders"))
	assert.Empty(t, c.Nodes(ctx))
	assert.False(t, c.Ping(ctx))
	assert.False(t, c.DeleteChannel(ctx, "orders", "billing"))
}

func TestNewNormalizesAddress(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:4161", New("127.0.0.1:4161").baseURL)
	assert.Equal(t, "https://lookupd.example.com", New("https://lookupd.example.com/").baseURL)
}

func TestResolver(t *testing.T) {
	f := newFakeLookupd(t)
	c := New(f.server.URL)

	t.Run("known topic", func(t *testing.T) {
		endpoints, err := Resolver(c, "orders")(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []nsq.Endpoint{
			{Host: "nsqd-1.local", Port: 4150},
			{Host: "nsqd-2.local", Port: 4250},
		}, endpoints)
	})

	t.Run("unknown topic", func(t *testing.T) {
		endpoints, err := Resolver(c, "missing")(context.Background())
		assert.Error(t, err)
		assert.Empty(t, endpoints)
	})
}
