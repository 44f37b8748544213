package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/jiminy/pkg/messagelog"
)

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sessions/sess-1/messages", r.URL.Path)
		_ = json.NewEncoder(w).Encode(HistoryResponse{
			SessionID: "sess-1",
			Messages: []messagelog.Message{
				{ID: "m-1", Role: messagelog.RoleUser, Content: "hello", Status: messagelog.StatusComplete},
				{ID: "m-2", Role: messagelog.RoleAssistant, Content: "hi", Status: messagelog.StatusComplete},
			},
		})
	}))
	defer srv.Close()

	msgs, err := NewClient(srv.URL).History(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, messagelog.RoleAssistant, msgs[1].Role)
}

func TestHistory_RequiresSessionID(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:0").History(context.Background(), "  ")
	require.Error(t, err)
}

func TestHistory_SurfacesBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).History(context.Background(), "sess-1")
	require.Error(t, err)
}

func TestResumeAndUnsubscribe(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	require.NoError(t, c.Resume(context.Background(), "sess-1"))
	require.NoError(t, c.Unsubscribe(context.Background(), "sess-1"))
	require.Equal(t, []string{"/api/sessions/sess-1/resume", "/api/sessions/sess-1/unsubscribe"}, paths)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(HealthStatus{
			Status:    "ok",
			Version:   "1.2.3",
			Timestamp: time.Now(),
			Database:  "up",
			Redis:     "up",
		})
	}))
	defer srv.Close()

	st, err := NewClient(srv.URL).Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", st.Status)
	require.Equal(t, "up", st.Database)
}
