package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ComputeRequirements is immutable once attached to a task.
type ComputeRequirements struct {
	CPUCores    int      `json:"cpuCores"`
	RAMGb       int      `json:"ramGb"`
	GPURequired bool     `json:"gpuRequired"`
	Priority    Priority `json:"priority"`
}

func (r ComputeRequirements) Validate() error {
	if r.CPUCores < 1 {
		return fmt.Errorf("cpuCores must be at least 1, got %d", r.CPUCores)
	}
	if r.RAMGb < 1 {
		return fmt.Errorf("ramGb must be at least 1, got %d", r.RAMGb)
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", r.Priority)
	}
	return nil
}

type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeBusy    NodeStatus = "busy"
	NodeOffline NodeStatus = "offline"
)

type NodeSpecs struct {
	CPUCores     int  `json:"cpuCores"`
	RAMGb        int  `json:"ramGb"`
	GPUAvailable bool `json:"gpuAvailable"`
}

// Node is a compute provider offering capacity for hire. Nodes are never
// hard-deleted; a retired node transitions to offline.
type Node struct {
	ID              string     `json:"id"`
	OperatorAddress string     `json:"operatorAddress"`
	Endpoint        string     `json:"endpoint"`
	Status          NodeStatus `json:"status"`
	Specs           NodeSpecs  `json:"specs"`
	CurrentLoad     float64    `json:"currentLoad"`
	AvgLatencyMs    float64    `json:"avgLatencyMs"`
	PricePerCPUHour float64    `json:"pricePerCpuHour"`
	PricePerGbHour  float64    `json:"pricePerGbHour"`
	PricePerGPUHour float64    `json:"pricePerGpuHour"`
	ReputationScore float64    `json:"reputationScore"`
	TasksCompleted  int        `json:"tasksCompleted"`
	TasksFailed     int        `json:"tasksFailed"`
	RegisteredAt    time.Time  `json:"registeredAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func (n Node) Encode() ([]byte, error) {
	return json.Marshal(n)
}

func (n *Node) Decode(dat []byte) error {
	return json.Unmarshal(dat, n)
}

// NodeHealth carries a health report ingested from a node.
type NodeHealth struct {
	Status       NodeStatus `json:"status"`
	CurrentLoad  float64    `json:"currentLoad"`
	AvgLatencyMs float64    `json:"avgLatencyMs"`
}

type ScoreBreakdown struct {
	Latency    float64 `json:"latency"`
	Cost       float64 `json:"cost"`
	Load       float64 `json:"load"`
	Reputation float64 `json:"reputation"`
}

// OrchestrationDecision records why a node won a selection. It is produced
// per selection call and persisted only as an audit attachment on the task.
type OrchestrationDecision struct {
	NodeID             string         `json:"nodeId"`
	NodeAddress        string         `json:"nodeAddress"`
	TotalScore         float64        `json:"totalScore"`
	Breakdown          ScoreBreakdown `json:"scoreBreakdown"`
	EstimatedCost      float64        `json:"estimatedCost"`
	EstimatedLatencyMs float64        `json:"estimatedLatency"`
}

// Event is the notifier payload pushed to connected dashboards.
type Event struct {
	Type        string    `json:"type"`
	TaskID      string    `json:"taskId,omitempty"`
	NodeID      string    `json:"nodeId,omitempty"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	TxRef       string    `json:"txRef,omitempty"`
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

const (
	EventTaskSubmitted    = "task_submitted"
	EventTaskAssigned     = "task_assigned"
	EventTaskCompleted    = "task_completed"
	EventTaskFailed       = "task_failed"
	EventPaymentReleased  = "payment_released"
	EventPaymentRefunded  = "payment_refunded"
	EventNodeOnline       = "node_online"
	EventNodeOffline      = "node_offline"
)
