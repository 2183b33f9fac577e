package domain

// BatchStatus represents the lifecycle state of a batch
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchComplete   BatchStatus = "complete"
)

// RunPhase represents the control process state machine phase
type RunPhase string

const (
	PhaseIdle         RunPhase = "idle"
	PhaseHandshaking  RunPhase = "handshaking"
	PhaseDispatching  RunPhase = "dispatching"
	PhaseAwaitingTurn RunPhase = "awaiting_turn"
)
