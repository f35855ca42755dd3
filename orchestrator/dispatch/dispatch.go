package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/autoflow/orchestrator-api/lib/auth"
	"github.com/autoflow/orchestrator-api/lib/logc"
	"github.com/autoflow/orchestrator-api/orchestrator/model"
)

var logger = logc.Logger("dispatch")

// Ack is the synchronous acknowledgment from the execution environment.
type Ack struct {
	ExecutionRef        string    `json:"executionRef"`
	Status              string    `json:"status"`
	EstimatedCompletion time.Time `json:"estimatedCompletion,omitempty"`
}

// CompletionSignal is delivered asynchronously once execution finishes.
// Token must echo the callback token handed out at dispatch time.
type CompletionSignal struct {
	TaskID    string `json:"taskId"`
	Completed bool   `json:"completed"`
	ResultRef string `json:"resultRef,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Token     string `json:"token,omitempty"`
}

// CallbackToken derives the per-task token a node must present on the
// completion callback. It is an HMAC over the task id, so no extra state
// is stored.
func CallbackToken(taskID string, secret []byte) string {
	return auth.SignToken(taskID, secret)
}

// VerifyCallbackToken checks a completion signal's token.
func VerifyCallbackToken(taskID, token string, secret []byte) error {
	return auth.VerifyToken(taskID, token, secret)
}

// Gateway hands a task to its assigned node. Dispatch is fire-and-forget:
// the ack only confirms the node accepted the work.
type Gateway interface {
	Dispatch(ctx context.Context, task model.Task, node model.Node) (*Ack, error)
}

type payload struct {
	TaskID        string                    `json:"taskId"`
	Type          string                    `json:"type"`
	Description   string                    `json:"description"`
	Requirements  model.ComputeRequirements `json:"computeRequirements"`
	CallbackURL   string                    `json:"callbackUrl,omitempty"`
	CallbackToken string                    `json:"callbackToken,omitempty"`
}

// HTTPGateway posts the task payload to the node's execute endpoint.
type HTTPGateway struct {
	client      *http.Client
	callbackURL string
	secret      []byte
}

func NewHTTPGateway(callbackURL string, timeout time.Duration, secret []byte) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		client:      &http.Client{Timeout: timeout},
		callbackURL: callbackURL,
		secret:      secret,
	}
}

func (g *HTTPGateway) Dispatch(ctx context.Context, task model.Task, node model.Node) (*Ack, error) {
	if node.Endpoint == "" {
		return nil, fmt.Errorf("node %s has no endpoint", node.ID)
	}

	body, err := json.Marshal(payload{
		TaskID:        task.ID,
		Type:          task.Type,
		Description:   task.Description,
		Requirements:  task.Requirements,
		CallbackURL:   g.callbackURL,
		CallbackToken: CallbackToken(task.ID, g.secret),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.Endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch to %s failed: %w", node.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("node %s rejected dispatch: %s", node.ID, resp.Status)
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("bad dispatch ack from %s: %w", node.ID, err)
	}
	logger.Infof("dispatched task %s to node %s, execution %s", task.ID, node.ID, ack.ExecutionRef)
	return &ack, nil
}
