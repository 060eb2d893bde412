package models

import (
	"errors"
	"time"
)

// ScheduleKind identifies how a schedule computes its fire times.
type ScheduleKind string

const (
	// ScheduleOneTime fires exactly once at StartAt.
	ScheduleOneTime ScheduleKind = "one_time"
	// ScheduleRecurring fires every Interval between StartAt and EndAt.
	ScheduleRecurring ScheduleKind = "recurring"
	// ScheduleCron fires according to a standard five-field cron expression.
	ScheduleCron ScheduleKind = "cron"
)

// Valid returns true if the kind is a known value.
func (k ScheduleKind) Valid() bool {
	switch k {
	case ScheduleOneTime, ScheduleRecurring, ScheduleCron:
		return true
	default:
		return false
	}
}

// Validation errors returned by ScheduleConfig.Validate.
var (
	ErrScheduleKindUnknown  = errors.New("unknown schedule kind")
	ErrScheduleStartMissing = errors.New("start time required for one-time schedule")
	ErrScheduleInterval     = errors.New("positive interval required for recurring schedule")
	ErrScheduleCronMissing  = errors.New("cron expression required for cron schedule")
)

// ScheduleConfig describes when a scheduled task should fire and how
// failures of a firing are retried.
type ScheduleConfig struct {
	// Kind selects the trigger type. Exactly one of StartAt (one_time),
	// Interval (recurring), or CronExpression (cron) drives firing.
	Kind ScheduleKind `json:"kind"`
	// StartAt is the fire time for one_time schedules and the optional
	// lower bound for recurring schedules.
	StartAt time.Time `json:"start_at,omitempty"`
	// EndAt is the optional upper bound for recurring schedules.
	EndAt time.Time `json:"end_at,omitempty"`
	// Interval is the period between recurring fires.
	Interval time.Duration `json:"interval,omitempty"`
	// CronExpression is a standard five-field cron string.
	CronExpression string `json:"cron_expression,omitempty"`
	// RetryOnFailure enables the scheduler-level retry of failed firings.
	RetryOnFailure bool `json:"retry_on_failure"`
	// MaxRetries bounds scheduler-level retries per job.
	MaxRetries int `json:"max_retries"`
	// RetryDelay is the delay before a scheduler-level retry fires.
	RetryDelay time.Duration `json:"retry_delay"`
}

// Validate checks that the field required by Kind is populated.
func (c *ScheduleConfig) Validate() error {
	switch c.Kind {
	case ScheduleOneTime:
		if c.StartAt.IsZero() {
			return ErrScheduleStartMissing
		}
	case ScheduleRecurring:
		if c.Interval <= 0 {
			return ErrScheduleInterval
		}
	case ScheduleCron:
		if c.CronExpression == "" {
			return ErrScheduleCronMissing
		}
	default:
		return ErrScheduleKindUnknown
	}
	return nil
}
