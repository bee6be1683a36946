package eth

// SyncStatus is a snapshot of the driver.
// Values may be zeroed if not yet initialized.
type SyncStatus struct {
	// CurrentL1 is the L1 block that the derivation process is last idled at.
	// This may not be fully derived into L2 data yet.
	CurrentL1 L1BlockRef `json:"current_l1"`
	// HeadL1 is the perceived head of the L1 chain, no confirmation distance.
	HeadL1 L1BlockRef `json:"head_l1"`
	SafeL1 L1BlockRef `json:"safe_l1"`
	// FinalizedL1 points to the L1 block that was last finalized.
	FinalizedL1 L1BlockRef `json:"finalized_l1"`
	// UnsafeL2 is the tip of the L2 chain in the engine.
	UnsafeL2 L2BlockRef `json:"unsafe_l2"`
	// SafeL2 is the last L2 block fully derived from L1 data.
	SafeL2 L2BlockRef `json:"safe_l2"`
	// PendingSafeL2 may be ahead of SafeL2 while a span batch is only partially applied.
	PendingSafeL2 L2BlockRef `json:"pending_safe_l2"`
	FinalizedL2   L2BlockRef `json:"finalized_l2"`
}
