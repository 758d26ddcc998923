package models

// Feature names a quota-gated capability.
type Feature string

const (
	FeatureStorage      Feature = "storage"
	FeatureOptimization Feature = "optimization"
)

// MembershipQuota holds the limits derived from the membership tier. Exactly
// two tiers exist; selection is a pure function of MembershipState.
type MembershipQuota struct {
	MaxPrompts         int  `json:"maxPrompts"`
	DailyOptimizations int  `json:"dailyOptimizations"`
	CanExport          bool `json:"canExport"`
	HasPrioritySupport bool `json:"hasPrioritySupport"`
}

// QuotaUsage tracks per-user consumption against MembershipQuota.
// StoredPromptsCount is never incrementally maintained; it is recomputed by
// counting active remote prompts, since optimistic local increments would
// drift from server truth under concurrent writers.
type QuotaUsage struct {
	DailyOptimizationCount int    `json:"dailyOptimizationCount" firestore:"dailyOptimizationCount"`
	LastOptimizationReset  *int64 `json:"lastOptimizationReset,omitempty" firestore:"lastOptimizationReset,omitempty"`
	StoredPromptsCount     int    `json:"storedPromptsCount" firestore:"-"`
}

// QuotaInfo is the full quota snapshot pushed to UI processes.
type QuotaInfo struct {
	Limits MembershipQuota `json:"limits"`
	Usage  QuotaUsage      `json:"usage"`
}
