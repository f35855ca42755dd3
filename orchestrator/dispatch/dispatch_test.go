package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/autoflow/orchestrator-api/orchestrator/model"
)

func TestDispatchPostsExecute(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/execute", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(Ack{ExecutionRef: "exec-42", Status: "accepted"})
	}))
	defer srv.Close()

	g := NewHTTPGateway("http://orchestrator.test/api/tasks", 2*time.Second, []byte("secret"))
	task := model.Task{
		ID:           "t1",
		Type:         "inference",
		Requirements: model.ComputeRequirements{CPUCores: 4, RAMGb: 8},
	}
	node := model.Node{ID: "n1", Endpoint: srv.URL}

	ack, err := g.Dispatch(context.Background(), task, node)
	require.NoError(t, err)
	require.Equal(t, "exec-42", ack.ExecutionRef)

	require.Equal(t, "t1", got.TaskID)
	require.Equal(t, "inference", got.Type)
	require.Equal(t, 4, got.Requirements.CPUCores)
	require.Equal(t, "http://orchestrator.test/api/tasks", got.CallbackURL)
	// the node echoes this token on the completion callback
	require.NoError(t, VerifyCallbackToken("t1", got.CallbackToken, []byte("secret")))
	require.Error(t, VerifyCallbackToken("t2", got.CallbackToken, []byte("secret")))
}

func TestDispatchRejectedByNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewHTTPGateway("", 2*time.Second, nil)
	_, err := g.Dispatch(context.Background(), model.Task{ID: "t1"}, model.Node{ID: "n1", Endpoint: srv.URL})
	require.Error(t, err)
}

func TestDispatchNoEndpoint(t *testing.T) {
	g := NewHTTPGateway("", 0, nil)
	_, err := g.Dispatch(context.Background(), model.Task{ID: "t1"}, model.Node{ID: "n1"})
	require.Error(t, err)
}

func TestDispatchUnreachableNode(t *testing.T) {
	g := NewHTTPGateway("", 500*time.Millisecond, nil)
	_, err := g.Dispatch(context.Background(), model.Task{ID: "t1"}, model.Node{
		ID: "n1", Endpoint: "http://127.0.0.1:1",
	})
	require.Error(t, err)
}
