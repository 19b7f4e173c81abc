package filters

import (
	"context"

	"github.com/fairyhunter13/dotcelery/internal/task"
)

// PropTenantID is the property key under which the tenant filter exposes
// the current tenant to later filters and the handler.
const PropTenantID = "tenant_id"

// TenantContext copies the message's tenant ID into the execution
// properties so multi-tenant handlers and filters read it from one place.
type TenantContext struct{}

// NewTenantContext builds the filter.
func NewTenantContext() *TenantContext { return &TenantContext{} }

// Order implements task.Filter.
func (*TenantContext) Order() int { return OrderTenantContext }

// OnExecuting publishes the tenant ID as a property.
func (*TenantContext) OnExecuting(_ context.Context, tc *task.Context) error {
	if id := tc.TenantID(); id != "" {
		tc.Set(PropTenantID, id)
	}
	return nil
}

// OnExecuted implements task.Filter.
func (*TenantContext) OnExecuted(context.Context, *task.Context) error { return nil }
