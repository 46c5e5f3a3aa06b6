package models

import "time"

type SettlementStep string

const (
	StepCreatePreference SettlementStep = "CREATE_PREFERENCE"
	StepPolling          SettlementStep = "POLLING"
	StepDone             SettlementStep = "DONE"
)

type SettlementOutcome string

const (
	OutcomeNone     SettlementOutcome = ""
	OutcomePaid     SettlementOutcome = "PAID"
	OutcomeFailed   SettlementOutcome = "FAILED"
	OutcomeTimedOut SettlementOutcome = "TIMED_OUT"
)

// SettlementRun is the checkpoint of one settlement workflow instance.
// A run with an empty Outcome is still active and gets resumed on restart.
type SettlementRun struct {
	PaymentID        string            `json:"payment_id"`
	Step             SettlementStep    `json:"step"`
	Attempt          int               `json:"attempt"`
	NextPollAt       time.Time         `json:"next_poll_at"`
	PreferenceID     string            `json:"preference_id,omitempty"`
	InitPoint        string            `json:"init_point,omitempty"`
	SandboxInitPoint string            `json:"sandbox_init_point,omitempty"`
	Outcome          SettlementOutcome `json:"outcome,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (r *SettlementRun) Active() bool {
	return r.Outcome == OutcomeNone
}

func (r *SettlementRun) Preference() *Preference {
	if r.PreferenceID == "" {
		return nil
	}
	return &Preference{
		ExternalID:       r.PreferenceID,
		InitPoint:        r.InitPoint,
		SandboxInitPoint: r.SandboxInitPoint,
	}
}
