package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stopbot/gostop/internal/domain"
	"github.com/stopbot/gostop/internal/events"
	"github.com/stopbot/gostop/internal/protection"
)

type fakeController struct {
	sessions []protection.SessionView
	requests protection.RequestsView

	trackErr error
	tracked  []string
	removed  []string
	canceled []string
}

func (f *fakeController) Track(_ context.Context, symbol string, entryTarget, stopTarget, quantity decimal.Decimal) error {
	if f.trackErr != nil {
		return f.trackErr
	}
	f.tracked = append(f.tracked, symbol)
	return nil
}

func (f *fakeController) Remove(_ context.Context, symbol string) error {
	f.removed = append(f.removed, symbol)
	return nil
}

func (f *fakeController) CancelProtection(_ context.Context, symbol string) error {
	f.canceled = append(f.canceled, symbol)
	return nil
}

func (f *fakeController) Sessions(context.Context) ([]protection.SessionView, error) {
	return f.sessions, nil
}

func (f *fakeController) Requests(context.Context) (protection.RequestsView, error) {
	return f.requests, nil
}

func newTestServer(t *testing.T, fc *fakeController) (*Server, *HistoryStore) {
	t.Helper()
	history, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })
	return New(fc, history), history
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, &fakeController{})
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionsEndpoint(t *testing.T) {
	fc := &fakeController{
		sessions: []protection.SessionView{
			{
				Symbol:      "TQQQ",
				EntryTarget: decimal.RequireFromString("10"),
				StopTarget:  decimal.RequireFromString("9.5"),
				Quantity:    decimal.RequireFromString("5"),
				CreatedAt:   time.Now(),
			},
		},
	}
	s, _ := newTestServer(t, fc)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Sessions []protection.SessionView `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "TQQQ", body.Sessions[0].Symbol)
	assert.True(t, body.Sessions[0].EntryTarget.Equal(decimal.RequireFromString("10")))
}

func TestSessionsEmptyIsArrayNotNull(t *testing.T) {
	s, _ := newTestServer(t, &fakeController{})

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sessions":[]`)
}

func TestTrackEndpoint(t *testing.T) {
	fc := &fakeController{}
	s, _ := newTestServer(t, fc)

	body := `{"entry_target": "10", "stop_target": "9.5", "quantity": "5"}`
	req := httptest.NewRequest(http.MethodPost, "/api/instruments/TQQQ/track", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, fc.tracked, 1)
	assert.Equal(t, "TQQQ", fc.tracked[0])
}

func TestTrackRejectsZeroQuantity(t *testing.T) {
	s, _ := newTestServer(t, &fakeController{})

	body := `{"entry_target": "10", "stop_target": "9.5", "quantity": "0"}`
	req := httptest.NewRequest(http.MethodPost, "/api/instruments/TQQQ/track", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTrackRejectsMalformedBody(t *testing.T) {
	s, _ := newTestServer(t, &fakeController{})

	req := httptest.NewRequest(http.MethodPost, "/api/instruments/TQQQ/track", strings.NewReader(`{`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTrackConflictOnControllerError(t *testing.T) {
	fc := &fakeController{trackErr: assert.AnError}
	s, _ := newTestServer(t, fc)

	body := `{"entry_target": "10", "stop_target": "9.5", "quantity": "5"}`
	req := httptest.NewRequest(http.MethodPost, "/api/instruments/TQQQ/track", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRemoveAndCancelEndpoints(t *testing.T) {
	fc := &fakeController{}
	s, _ := newTestServer(t, fc)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/instruments/TQQQ/remove", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/instruments/UPRO/cancel_protection", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{"TQQQ"}, fc.removed)
	assert.Equal(t, []string{"UPRO"}, fc.canceled)
}

func TestHistoryEndpointFilters(t *testing.T) {
	s, history := newTestServer(t, &fakeController{})

	at := time.Now()
	history.Record(events.ProtectionAction{Kind: events.ActionEntryAccepted, Symbol: "TQQQ", Quantity: decimal.RequireFromString("5"), Timestamp: at})
	history.Record(events.ProtectionAction{Kind: events.ActionSpreadRejection, Symbol: "TQQQ", Timestamp: at})
	history.Record(events.ProtectionAction{Kind: events.ActionEntryAccepted, Symbol: "UPRO", Quantity: decimal.RequireFromString("3"), Timestamp: at})

	get := func(url string) []HistoryEntry {
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Actions []HistoryEntry `json:"actions"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		return body.Actions
	}

	all := get("/api/history")
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, "UPRO", all[0].Symbol)

	bySymbol := get("/api/history?symbol=TQQQ")
	require.Len(t, bySymbol, 2)

	byKind := get("/api/history?kind=" + events.ActionSpreadRejection)
	require.Len(t, byKind, 1)
	assert.Equal(t, events.ActionSpreadRejection, byKind[0].Kind)

	limited := get("/api/history?limit=1")
	require.Len(t, limited, 1)
}

func TestHistoryZeroValuesBlanked(t *testing.T) {
	_, history := newTestServer(t, &fakeController{})

	history.Record(events.ProtectionAction{Kind: events.ActionProtectionCleared, Symbol: "TQQQ", Timestamp: time.Now()})

	entries, err := history.Query("TQQQ", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Quantity)
	assert.Empty(t, entries[0].Price)
}

type fakeQuoteSink struct {
	quotes []domain.Quote
	err    error
}

func (f *fakeQuoteSink) PushQuote(_ context.Context, q domain.Quote) error {
	if f.err != nil {
		return f.err
	}
	f.quotes = append(f.quotes, q)
	return nil
}

func TestQuoteInjectionEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeController{})
	sink := &fakeQuoteSink{}
	s.SetQuoteSink(sink)

	body := `{"last": "10", "bid": "9.99", "ask": "10.01"}`
	req := httptest.NewRequest(http.MethodPost, "/api/quotes/TQQQ", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, sink.quotes, 1)
	q := sink.quotes[0]
	assert.Equal(t, "TQQQ", q.Symbol)
	assert.True(t, q.Bid.Equal(decimal.RequireFromString("9.99")))
	assert.True(t, q.Ask.Equal(decimal.RequireFromString("10.01")))
	assert.False(t, q.At.IsZero())
}

func TestQuoteInjectionDisabledWithoutSink(t *testing.T) {
	s, _ := newTestServer(t, &fakeController{})

	body := `{"last": "10", "bid": "9.99", "ask": "10.01"}`
	req := httptest.NewRequest(http.MethodPost, "/api/quotes/TQQQ", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQuoteInjectionRejectsMalformedBody(t *testing.T) {
	s, _ := newTestServer(t, &fakeController{})
	s.SetQuoteSink(&fakeQuoteSink{})

	req := httptest.NewRequest(http.MethodPost, "/api/quotes/TQQQ", strings.NewReader(`{"last": `))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
