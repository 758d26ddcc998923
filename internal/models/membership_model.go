package models

import (
	"reflect"
	"time"
)

// MembershipStatus is the tier recorded in the user's membership document.
type MembershipStatus string

const (
	MembershipFree MembershipStatus = "free"
	MembershipPro  MembershipStatus = "pro"
)

// MembershipState mirrors the users/{uid}/membership/status document.
// All timestamp-like fields are normalized to milliseconds since epoch when the
// snapshot is ingested, so cross-process consumers never see SDK-specific time
// types. The store resets the whole struct to its zero value whenever the
// authenticated user changes or logs out.
type MembershipState struct {
	Status             *MembershipStatus `json:"status,omitempty"`
	Plan               *string           `json:"plan,omitempty"`
	ExpiresAt          *int64            `json:"expiresAt,omitempty"`
	StartedAt          *int64            `json:"startedAt,omitempty"`
	UpdatedAt          *int64            `json:"updatedAt,omitempty"`
	LastVerifiedAt     *int64            `json:"lastVerifiedAt,omitempty"`
	SubscriptionID     *string           `json:"subscriptionId,omitempty"`
	SubscriptionStatus *string           `json:"subscriptionStatus,omitempty"`
	CustomerID         *string           `json:"customerId,omitempty"`
	CancelAtPeriodEnd  *bool             `json:"cancelAtPeriodEnd,omitempty"`
	RawDoc             map[string]any    `json:"-"`
	IsLoading          bool              `json:"isLoading"`
	Error              *string           `json:"error,omitempty"`
}

// IsEffectivelyPro reports whether the membership grants pro-tier limits:
// status is pro and the expiry, if set, has not passed.
func (m MembershipState) IsEffectivelyPro(now time.Time) bool {
	if m.Status == nil || *m.Status != MembershipPro {
		return false
	}
	if m.ExpiresAt == nil {
		return true
	}
	return *m.ExpiresAt >= now.UnixMilli()
}

// observable strips the fields excluded from cross-process change detection.
func (m MembershipState) observable() MembershipState {
	m.IsLoading = false
	m.Error = nil
	m.RawDoc = nil
	return m
}

// ObservablyEqual compares two states ignoring IsLoading, Error and RawDoc.
// Broadcasts to UI processes are suppressed when this returns true; in-process
// subscribers are still notified when only the excluded fields changed.
func (m MembershipState) ObservablyEqual(o MembershipState) bool {
	return reflect.DeepEqual(m.observable(), o.observable())
}
