package soda

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testRecord(id string) RawRecord {
	return RawRecord{
		PatientID:  id,
		RecordDate: "2026-08-01T00:00:00.000",
		Age:        "40",
		County:     "albany",
		Condition:  "diabetes",
	}
}

func TestFetchWindowPagination(t *testing.T) {
	var offsets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "2", q.Get("$limit"))
		require.Equal(t, "record_date", q.Get("$order"))
		require.Contains(t, q.Get("$where"), "record_date >=")
		offsets = append(offsets, q.Get("$offset"))

		var page []RawRecord
		switch q.Get("$offset") {
		case "0":
			page = []RawRecord{testRecord("a"), testRecord("b")}
		case "2":
			page = []RawRecord{testRecord("c")} // short page ends pagination
		default:
			t.Fatalf("unexpected offset %s", q.Get("$offset"))
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "abcd-1234", "")
	c.PageSize = 2

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	recs, err := c.FetchWindow(context.Background(), start, start.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, []string{"0", "2"}, offsets)
	require.Equal(t, "c", recs[2].PatientID)
}

func TestFetchWindowSendsAppToken(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-App-Token")
		_ = json.NewEncoder(w).Encode([]RawRecord{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "abcd-1234", "tok-123")
	_, err := c.FetchWindow(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	require.Equal(t, "tok-123", gotToken)
}

func TestGetWithRetryRecoversFrom429(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode([]RawRecord{testRecord("a")})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "abcd-1234", "")
	c.RetryBase = time.Millisecond
	c.RetryCap = 5 * time.Millisecond

	recs, err := c.FetchWindow(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestGetWithRetryStopsOnPermanentError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "abcd-1234", "")
	c.RetryBase = time.Millisecond

	_, err := c.FetchWindow(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "400 must not be retried")
}

func TestGetWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "abcd-1234", "")
	c.MaxAttempts = 3
	c.RetryBase = time.Millisecond
	c.RetryCap = 2 * time.Millisecond

	_, err := c.FetchWindow(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestFetchWindowRequiresDatasetID(t *testing.T) {
	c := NewClient("http://example.invalid", "", "")
	_, err := c.FetchWindow(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)
}
