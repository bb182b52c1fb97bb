package interceptors

import (
	"context"
	"fmt"

	"github.com/glimte/servicebus-go/contracts"
)

// MessageFilter defines the interface for message filtering
type MessageFilter interface {
	// ShouldProcess returns true if the message should reach the handler
	ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, env *contracts.Envelope) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return f(ctx, env)
}

// FilteringInterceptor settles messages rejected by its filter with a fixed
// decision instead of handing them to the handler
type FilteringInterceptor struct {
	filter MessageFilter
	skip   contracts.Decision
}

// NewFilteringInterceptor creates a new filtering interceptor. Filtered
// messages are settled with skip, typically Complete to drop them or
// DeadLetter to park them.
func NewFilteringInterceptor(filter MessageFilter, skip contracts.Decision) *FilteringInterceptor {
	return &FilteringInterceptor{
		filter: filter,
		skip:   skip,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next MessageHandler) (contracts.Decision, error) {
	shouldProcess, err := i.filter.ShouldProcess(ctx, env)
	if err != nil {
		return contracts.Abandon(), fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		return i.skip, nil
	}

	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, env)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, env)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// LabelFilter passes messages whose label is in the allowed set
type LabelFilter struct {
	allowed map[string]bool
}

// NewLabelFilter creates a filter that only allows specific labels
func NewLabelFilter(labels ...string) *LabelFilter {
	allowed := make(map[string]bool, len(labels))
	for _, l := range labels {
		allowed[l] = true
	}
	return &LabelFilter{allowed: allowed}
}

// ShouldProcess implements MessageFilter
func (f *LabelFilter) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return f.allowed[env.Label], nil
}

// ContentTypeFilter passes messages whose content type is in the allowed set
type ContentTypeFilter struct {
	allowed map[string]bool
}

// NewContentTypeFilter creates a filter that only allows specific content types
func NewContentTypeFilter(contentTypes ...string) *ContentTypeFilter {
	allowed := make(map[string]bool, len(contentTypes))
	for _, ct := range contentTypes {
		allowed[ct] = true
	}
	return &ContentTypeFilter{allowed: allowed}
}

// ShouldProcess implements MessageFilter
func (f *ContentTypeFilter) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return f.allowed[env.ContentType], nil
}

// PropertyFilter passes messages carrying an application property with the
// expected value
type PropertyFilter struct {
	key   string
	value string
}

// NewPropertyFilter creates a property equality filter
func NewPropertyFilter(key, value string) *PropertyFilter {
	return &PropertyFilter{key: key, value: value}
}

// ShouldProcess implements MessageFilter
func (f *PropertyFilter) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	v, ok := env.Properties[f.key]
	return ok && v == f.value, nil
}

// ConditionalInterceptor executes an interceptor only if a condition is met
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next MessageHandler) (contracts.Decision, error) {
	shouldExecute, err := i.condition.ShouldProcess(ctx, env)
	if err != nil {
		return contracts.Abandon(), err
	}

	if shouldExecute {
		return i.interceptor.Intercept(ctx, env, next)
	}

	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
