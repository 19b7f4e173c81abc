// Package filters provides the standard filter set the worker installs
// around every execution: security validation, tenant context, inbox
// deduplication, partitioned execution, overlap prevention, rate limiting,
// and queue metrics. Orders are negative so user filters registered with
// the default order 0 run inside the standard set.
package filters

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/task"
)

// Canonical orders of the standard filters.
const (
	OrderQueueMetrics       = -3000
	OrderSecurity           = -2000
	OrderTenantContext      = -2000
	OrderInboxDedup         = -1000
	OrderPartitionedExec    = -1000
	OrderPreventOverlapping = -900
	OrderRateLimit          = -800
)

// SecurityPolicy bounds what a worker accepts off the wire.
type SecurityPolicy struct {
	// MaxSchemaVersion rejects messages stamped by a newer wire format.
	// Zero accepts only the current version.
	MaxSchemaVersion int
	// MaxPayloadBytes rejects oversized argument payloads; zero disables
	// the check.
	MaxPayloadBytes int64
	// AllowedTasks is the task-name allowlist; empty allows all.
	AllowedTasks []string
	// RequireTenant rejects messages without a tenant ID.
	RequireTenant bool
}

// Security validates the envelope before anything else touches it.
// Violations surface as domain.ErrSecurityViolation, which the executor
// turns into a terminal Rejected result.
type Security struct {
	policy  SecurityPolicy
	allowed map[string]struct{}
}

// NewSecurity builds the filter. The allowlist lookup is precomputed; the
// filter itself is immutable and safe for concurrent use.
func NewSecurity(policy SecurityPolicy) *Security {
	if policy.MaxSchemaVersion <= 0 {
		policy.MaxSchemaVersion = domain.MessageSchemaVersion
	}
	var allowed map[string]struct{}
	if len(policy.AllowedTasks) > 0 {
		allowed = make(map[string]struct{}, len(policy.AllowedTasks))
		for _, t := range policy.AllowedTasks {
			allowed[t] = struct{}{}
		}
	}
	return &Security{policy: policy, allowed: allowed}
}

// Order implements task.Filter.
func (f *Security) Order() int { return OrderSecurity }

// OnExecuting rejects messages violating the policy.
func (f *Security) OnExecuting(_ context.Context, tc *task.Context) error {
	msg := tc.Message()
	if msg.SchemaVersion > f.policy.MaxSchemaVersion {
		return fmt.Errorf("op=filters.Security: %w: schema version %d exceeds max %d",
			domain.ErrSecurityViolation, msg.SchemaVersion, f.policy.MaxSchemaVersion)
	}
	if f.policy.MaxPayloadBytes > 0 && int64(len(msg.Args)) > f.policy.MaxPayloadBytes {
		return fmt.Errorf("op=filters.Security: %w: payload %d bytes exceeds max %d",
			domain.ErrSecurityViolation, len(msg.Args), f.policy.MaxPayloadBytes)
	}
	if f.allowed != nil {
		if _, ok := f.allowed[msg.Task]; !ok {
			return fmt.Errorf("op=filters.Security: %w: task %q not allowlisted",
				domain.ErrSecurityViolation, msg.Task)
		}
	}
	if f.policy.RequireTenant && msg.TenantID == "" {
		return fmt.Errorf("op=filters.Security: %w: tenant required", domain.ErrSecurityViolation)
	}
	return nil
}

// OnExecuted implements task.Filter; validation needs no cleanup.
func (f *Security) OnExecuted(context.Context, *task.Context) error { return nil }
