// Package types provides common type definitions for the token distribution system.
package types

// CampaignStatus represents the lifecycle state of a distribution campaign
type CampaignStatus string

const (
	// CampaignPending represents a campaign that has never been run
	CampaignPending CampaignStatus = "PENDING"
	// CampaignInProgress represents a campaign claimed by a running distribution
	CampaignInProgress CampaignStatus = "IN_PROGRESS"
	// CampaignCompleted represents a campaign where every recipient was paid
	CampaignCompleted CampaignStatus = "COMPLETED"
	// CampaignFailed represents a campaign that ended with unpaid recipients
	CampaignFailed CampaignStatus = "FAILED"
)

// IsValid reports whether s is a known campaign status
func (s CampaignStatus) IsValid() bool {
	switch s {
	case CampaignPending, CampaignInProgress, CampaignCompleted, CampaignFailed:
		return true
	}
	return false
}

// Claimable reports whether a run may move the campaign to IN_PROGRESS
func (s CampaignStatus) Claimable() bool {
	return s == CampaignPending || s == CampaignFailed
}

// CanTransitionTo enforces PENDING→IN_PROGRESS→{COMPLETED,FAILED} and FAILED→IN_PROGRESS
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	switch s {
	case CampaignPending:
		return next == CampaignInProgress
	case CampaignInProgress:
		return next == CampaignCompleted || next == CampaignFailed
	case CampaignFailed:
		return next == CampaignInProgress
	default:
		return false
	}
}

// Predecessors returns the statuses from which s may be entered
func (s CampaignStatus) Predecessors() []CampaignStatus {
	switch s {
	case CampaignInProgress:
		return []CampaignStatus{CampaignPending, CampaignFailed}
	case CampaignCompleted, CampaignFailed:
		return []CampaignStatus{CampaignInProgress}
	default:
		return nil
	}
}

// RecipientStatus represents the payout state of a single recipient
type RecipientStatus string

const (
	// RecipientPending represents a recipient not yet paid
	RecipientPending RecipientStatus = "PENDING"
	// RecipientCompleted represents a recipient whose transfer is confirmed
	RecipientCompleted RecipientStatus = "COMPLETED"
	// RecipientFailed represents a recipient whose chunk failed; it is re-selected on the next run
	RecipientFailed RecipientStatus = "FAILED"
)

// IsValid reports whether s is a known recipient status
func (s RecipientStatus) IsValid() bool {
	switch s {
	case RecipientPending, RecipientCompleted, RecipientFailed:
		return true
	}
	return false
}

// Outstanding reports whether the recipient still needs a transfer
func (s RecipientStatus) Outstanding() bool {
	return s == RecipientPending || s == RecipientFailed
}

// NetworkID identifies the ledger network a campaign distributes on
type NetworkID string

const (
	// NetworkEthereum represents Ethereum mainnet
	NetworkEthereum NetworkID = "ethereum"
	// NetworkSepolia represents the Sepolia testnet
	NetworkSepolia NetworkID = "sepolia"
	// NetworkPolygon represents the Polygon network
	NetworkPolygon NetworkID = "polygon"
	// NetworkBase represents the Base network
	NetworkBase NetworkID = "base"
	// NetworkArbitrum represents the Arbitrum network
	NetworkArbitrum NetworkID = "arbitrum"
)

// KnownNetworks lists the networks the engine can be configured for
var KnownNetworks = []NetworkID{
	NetworkEthereum,
	NetworkSepolia,
	NetworkPolygon,
	NetworkBase,
	NetworkArbitrum,
}

// IsKnownNetwork reports whether name is one of KnownNetworks
func IsKnownNetwork(name string) bool {
	for _, n := range KnownNetworks {
		if string(n) == name {
			return true
		}
	}
	return false
}

// RunState represents the state of a background distribution run
type RunState string

const (
	// RunQueued represents a run waiting for a free slot
	RunQueued RunState = "queued"
	// RunRunning represents a run driving chunks
	RunRunning RunState = "running"
	// RunSucceeded represents a run that finalized the campaign as COMPLETED
	RunSucceeded RunState = "succeeded"
	// RunFailed represents a run that finalized the campaign as FAILED or aborted
	RunFailed RunState = "failed"
	// RunCancelled represents a run stopped by its caller
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the run has stopped
func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
