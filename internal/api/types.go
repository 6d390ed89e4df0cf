package api

import "github.com/reloquent/tableshift/internal/orchestrator"

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	RunID        string                        `json:"run_id"`
	Phase        string                        `json:"phase"`
	Mode         string                        `json:"mode"`
	Budget       uint64                        `json:"budget"`
	BatchCount   int                           `json:"batch_count"`
	CurrentBatch int                           `json:"current_batch"`
	LastUpdated  string                        `json:"last_updated,omitempty"`
	Batches      []BatchResponse               `json:"batches"`
	Progress     map[string]orchestrator.Event `json:"progress,omitempty"`
	Clients      int                           `json:"clients"`
}

// BatchResponse describes one batch.
type BatchResponse struct {
	ID      int    `json:"id"`
	Status  string `json:"status,omitempty"`
	Tables  int    `json:"tables"`
	Bytes   uint64 `json:"bytes"`
	Success int    `json:"success"`
	Failure int    `json:"failure"`
}

// PlanResponse is returned by GET /api/batches.
type PlanResponse struct {
	Batches      []BatchResponse `json:"batches"`
	Unassignable []string        `json:"unassignable,omitempty"`
}
