package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeNode(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPollAndSummarize(t *testing.T) {
	a := fakeNode(t, `{"node":{"id":"1"},"election":{"leader":{"id":"3"},"hasLeader":true},"news":{"known":4}}`)
	b := fakeNode(t, `{"node":{"id":"2"},"election":{"leader":{"id":"3"},"hasLeader":true},"news":{"known":6}}`)
	c := fakeNode(t, `{"node":{"id":"3"},"election":{"hasLeader":false},"news":{"known":5,"observer":true,"coverage":50}}`)

	client := &http.Client{Timeout: time.Second}
	results := poll(context.Background(), client, []string{a.URL, b.URL + "/", c.URL, "http://127.0.0.1:1"}, 2)
	require.Len(t, results, 4)
	assert.NoError(t, results[0].err)
	assert.Equal(t, "2", results[1].info.Node.ID)
	assert.Equal(t, 50.0, results[2].info.News.Coverage)
	assert.Error(t, results[3].err)

	s := summarize(results)
	assert.Equal(t, summary{Reachable: 3, Leader: "3", Agree: 2, MinKnown: 4, MaxKnown: 6}, s)
}

func TestFetchRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := fetch(context.Background(), srv.Client(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestSummarizeEmpty(t *testing.T) {
	assert.Equal(t, summary{}, summarize(nil))
}
