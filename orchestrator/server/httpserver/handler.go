package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/autoflow/orchestrator-api/orchestrator/config"
	"github.com/autoflow/orchestrator-api/orchestrator/dispatch"
	"github.com/autoflow/orchestrator-api/orchestrator/engine"
	"github.com/autoflow/orchestrator-api/orchestrator/ledger"
	"github.com/autoflow/orchestrator-api/orchestrator/lifecycle"
	"github.com/autoflow/orchestrator-api/orchestrator/model"
	"github.com/autoflow/orchestrator-api/orchestrator/registry"
	"github.com/autoflow/orchestrator-api/orchestrator/store"
)

const ctxAgent = "agent"

// requireAgent authenticates the caller by api key and stashes the agent
// record on the request context.
func (hc *handlerCore) requireAgent(c *gin.Context) {
	key := c.GetHeader("X-API-Key")
	if key == "" {
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			key = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if key == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"err": "missing api key"})
		return
	}
	ag, err := hc.ag.Authenticate(key)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"err": "invalid api key"})
		return
	}
	c.Set(ctxAgent, ag)
	c.Next()
}

// requireCookie guards the admin surface with a signed wallet cookie.
// The wallet must also be on the configured admin list.
func (hc *handlerCore) requireCookie(c *gin.Context) {
	addr, ok := hc.cm.CheckCookie(c.Request.Cookies())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"err": "invalid cookie"})
		return
	}
	if !isAdmin(addr) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"err": "not an admin wallet"})
		return
	}
	c.Set("wallet", addr)
	c.Next()
}

func isAdmin(addr string) bool {
	for _, a := range config.GetConfig().Http.AdminAddrs {
		if sameAddress(a, addr) {
			return true
		}
	}
	return false
}

func agentFrom(c *gin.Context) model.Agent {
	return c.MustGet(ctxAgent).(model.Agent)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrTaskNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, engine.ErrNoEligibleNode),
		errors.Is(err, lifecycle.ErrNotCancellable),
		errors.Is(err, lifecycle.ErrNotDisputable),
		errors.Is(err, lifecycle.ErrIllegalTransition),
		errors.Is(err, lifecycle.ErrEscrowSettled),
		errors.Is(err, store.ErrExists):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abortErr(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"err": err.Error()})
}

func (hc *handlerCore) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

type submitBody struct {
	Type         string                    `json:"type"`
	Description  string                    `json:"description"`
	Requirements model.ComputeRequirements `json:"computeRequirements"`
	MaxBudget    float64                   `json:"maxBudget"`
	Priority     model.Priority            `json:"priority"`
}

func (hc *handlerCore) handleSubmitTask(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "malformed request body"})
		return
	}
	ag := agentFrom(c)

	res, err := hc.co.Submit(c.Request.Context(), lifecycle.SubmitRequest{
		AgentID:      ag.ID,
		Type:         body.Type,
		Description:  body.Description,
		Requirements: body.Requirements,
		MaxBudget:    body.MaxBudget,
		Priority:     body.Priority,
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"task":   res.Task,
		"escrow": res.Escrow,
		"ack":    res.Ack,
	})
}

func (hc *handlerCore) handleListTasks(c *gin.Context) {
	ag := agentFrom(c)
	c.JSON(http.StatusOK, gin.H{"tasks": hc.co.TasksByAgent(ag.ID)})
}

// ownedTask loads a task and checks it belongs to the calling agent.
func (hc *handlerCore) ownedTask(c *gin.Context) (model.Task, bool) {
	task, err := hc.co.Task(c.Param("id"))
	if err != nil {
		abortErr(c, err)
		return model.Task{}, false
	}
	if task.AgentID != agentFrom(c).ID {
		c.JSON(http.StatusNotFound, gin.H{"err": "task not found"})
		return model.Task{}, false
	}
	return task, true
}

func (hc *handlerCore) handleGetTask(c *gin.Context) {
	task, ok := hc.ownedTask(c)
	if !ok {
		return
	}
	out := gin.H{"task": task}
	if escrow, err := hc.co.Escrow(task.ID); err == nil {
		out["escrow"] = escrow
	}
	c.JSON(http.StatusOK, out)
}

func (hc *handlerCore) handleCancelTask(c *gin.Context) {
	task, ok := hc.ownedTask(c)
	if !ok {
		return
	}
	if err := hc.co.Cancel(c.Request.Context(), task.ID); err != nil {
		abortErr(c, err)
		return
	}
	task, _ = hc.co.Task(task.ID)
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (hc *handlerCore) handleDisputeTask(c *gin.Context) {
	task, ok := hc.ownedTask(c)
	if !ok {
		return
	}
	if err := hc.co.Dispute(task.ID); err != nil {
		abortErr(c, err)
		return
	}
	task, _ = hc.co.Task(task.ID)
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (hc *handlerCore) handleCompleteTask(c *gin.Context) {
	var sig dispatch.CompletionSignal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "malformed request body"})
		return
	}
	sig.TaskID = c.Param("id")
	if err := dispatch.VerifyCallbackToken(sig.TaskID, sig.Token, hc.cm.signKey); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"err": "bad callback token"})
		return
	}
	if err := hc.co.HandleCompletion(c.Request.Context(), sig); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"msg": "completion recorded"})
}

type registerNodeBody struct {
	ID              string          `json:"id"`
	OperatorAddress string          `json:"operatorAddress"`
	Endpoint        string          `json:"endpoint"`
	Specs           model.NodeSpecs `json:"specs"`
	AvgLatencyMs    float64         `json:"avgLatencyMs"`
	PricePerCPUHour float64         `json:"pricePerCpuHour"`
	PricePerGbHour  float64         `json:"pricePerGbHour"`
	PricePerGPUHour float64         `json:"pricePerGpuHour"`
	Sig             string          `json:"sig"`
}

func (hc *handlerCore) handleRegisterNode(c *gin.Context) {
	var body registerNodeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "malformed request body"})
		return
	}
	if body.OperatorAddress == "" || body.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"err": "operatorAddress and endpoint are required"})
		return
	}
	if body.Specs.CPUCores < 1 || body.Specs.RAMGb < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "specs must declare at least 1 cpu core and 1 GB ram"})
		return
	}

	// the operator proves key ownership by signing its own address
	signer, err := recoverAddress(body.Sig, body.OperatorAddress)
	if err != nil || !sameAddress(signer, body.OperatorAddress) {
		c.JSON(http.StatusUnauthorized, gin.H{"err": "operator signature does not match"})
		return
	}

	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	node := model.Node{
		ID:              body.ID,
		OperatorAddress: body.OperatorAddress,
		Endpoint:        body.Endpoint,
		Status:          model.NodeOnline,
		Specs:           body.Specs,
		AvgLatencyMs:    body.AvgLatencyMs,
		PricePerCPUHour: body.PricePerCPUHour,
		PricePerGbHour:  body.PricePerGbHour,
		PricePerGPUHour: body.PricePerGPUHour,
	}
	if err := hc.reg.Register(node); err != nil {
		abortErr(c, err)
		return
	}
	if hc.hub != nil {
		hc.hub.Publish(model.Event{
			Type:        model.EventNodeOnline,
			NodeID:      node.ID,
			Description: "node registered",
			Timestamp:   time.Now(),
		})
	}
	registered, err := hc.reg.Get(node.ID)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"node": registered})
}

func (hc *handlerCore) handleListNodes(c *gin.Context) {
	nodes := hc.reg.List()
	if s := c.Query("status"); s != "" {
		filtered := nodes[:0]
		for _, n := range nodes {
			if n.Status == model.NodeStatus(s) {
				filtered = append(filtered, n)
			}
		}
		nodes = filtered
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

func (hc *handlerCore) handleGetNode(c *gin.Context) {
	node, err := hc.reg.Get(c.Param("id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node": node})
}

func (hc *handlerCore) handleNodeHealth(c *gin.Context) {
	var h model.NodeHealth
	if err := c.ShouldBindJSON(&h); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "malformed request body"})
		return
	}
	id := c.Param("id")
	prev, err := hc.reg.Get(id)
	if err != nil {
		abortErr(c, err)
		return
	}
	if err := hc.reg.UpdateHealth(id, h); err != nil {
		abortErr(c, err)
		return
	}
	if hc.hub != nil && h.Status != "" && h.Status != prev.Status {
		ev := model.Event{NodeID: id, Timestamp: time.Now()}
		switch h.Status {
		case model.NodeOffline:
			ev.Type = model.EventNodeOffline
			ev.Description = "node went offline"
		case model.NodeOnline:
			ev.Type = model.EventNodeOnline
			ev.Description = "node back online"
		}
		if ev.Type != "" {
			hc.hub.Publish(ev)
		}
	}
	node, _ := hc.reg.Get(id)
	c.JSON(http.StatusOK, gin.H{"node": node})
}

func (hc *handlerCore) handleWeights(c *gin.Context) {
	w := hc.eng.Weights()
	c.JSON(http.StatusOK, gin.H{
		"latency":    w.Latency,
		"cost":       w.Cost,
		"load":       w.Load,
		"reputation": w.Reputation,
	})
}

type simulateBody struct {
	Requirements model.ComputeRequirements `json:"computeRequirements"`
	MaxBudget    float64                   `json:"maxBudget"`
}

// handleSimulate runs a selection round without touching any task or
// escrow state.
func (hc *handlerCore) handleSimulate(c *gin.Context) {
	var body simulateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "malformed request body"})
		return
	}
	if err := body.Requirements.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	if body.MaxBudget <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "maxBudget must be positive"})
		return
	}
	decision, err := hc.eng.SelectNode(c.Request.Context(), body.Requirements, body.MaxBudget)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

func (hc *handlerCore) handleListPayments(c *gin.Context) {
	ag := agentFrom(c)
	c.JSON(http.StatusOK, gin.H{"payments": hc.co.PaymentsByAgent(ag.ID)})
}

func (hc *handlerCore) handleGetPayment(c *gin.Context) {
	ag := agentFrom(c)
	ref := c.Param("txRef")
	for _, p := range hc.co.PaymentsByAgent(ag.ID) {
		if p.TxRef == ref {
			c.JSON(http.StatusOK, gin.H{"payment": p})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"err": "payment not found"})
}

func (hc *handlerCore) handleOpenEscrows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"escrows": hc.co.OpenEscrows()})
}

type createAgentBody struct {
	Name string `json:"name"`
}

func (hc *handlerCore) handleCreateAgent(c *gin.Context) {
	var body createAgentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "malformed request body"})
		return
	}
	res, err := hc.ag.Create(body.Name)
	if err != nil {
		abortErr(c, err)
		return
	}
	agent := res.Agent
	agent.APIKey = ""
	// the api key is returned exactly once, at creation
	c.JSON(http.StatusCreated, gin.H{"agent": agent, "apiKey": res.APIKey})
}

func (hc *handlerCore) handleAgentMe(c *gin.Context) {
	ag := agentFrom(c)
	ag.APIKey = ""
	c.JSON(http.StatusOK, gin.H{"agent": ag})
}

type tokenBody struct {
	Address string `json:"address"`
	Sig     string `json:"sig"`
}

// handleToken issues the admin cookie to a configured admin wallet that
// signs its own address.
func (hc *handlerCore) handleToken(c *gin.Context) {
	var body tokenBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "malformed request body"})
		return
	}
	signer, err := recoverAddress(body.Sig, body.Address)
	if err != nil || !sameAddress(signer, body.Address) {
		c.JSON(http.StatusUnauthorized, gin.H{"err": "failed to verify signature"})
		return
	}
	if !isAdmin(body.Address) {
		c.JSON(http.StatusForbidden, gin.H{"err": "not an admin wallet"})
		return
	}
	http.SetCookie(c.Writer, hc.cm.Set(strings.ToLower(body.Address)))
	c.JSON(http.StatusOK, gin.H{"msg": "authorized"})
}

func (hc *handlerCore) handleAdminDispute(c *gin.Context) {
	if err := hc.co.Dispute(c.Param("id")); err != nil {
		abortErr(c, err)
		return
	}
	task, _ := hc.co.Task(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"task": task})
}

type resolveBody struct {
	Outcome      string  `json:"outcome"`
	SlashPercent float64 `json:"slashPercent"`
	Reason       string  `json:"reason"`
}

func (hc *handlerCore) handleAdminResolve(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "malformed request body"})
		return
	}
	err := hc.co.Resolve(c.Request.Context(), c.Param("id"), lifecycle.Resolution{
		Outcome:      body.Outcome,
		SlashPercent: body.SlashPercent,
		Reason:       body.Reason,
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	task, _ := hc.co.Task(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"task": task})
}
