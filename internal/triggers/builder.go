package triggers

import "maps"

// EventBuilder declares an event trigger.
//
//	triggers.On("Order", "created").Where("$.total > 100").Invoke("notify-sales")
type EventBuilder struct {
	t EventTrigger
}

// On starts an event trigger for <object>.<action>. Both accept * globs.
func On(object, action string) *EventBuilder {
	return &EventBuilder{t: EventTrigger{Object: object, Action: action}}
}

// ID sets an explicit trigger id.
func (b *EventBuilder) ID(id string) *EventBuilder {
	b.t.ID = id
	return b
}

// Where sets a CEL filter. $ refers to the event payload.
func (b *EventBuilder) Where(filter string) *EventBuilder {
	b.t.Filter = filter
	return b
}

// WithContext sets a CEL expression evaluating to a map merged over the
// payload.
func (b *EventBuilder) WithContext(expr string) *EventBuilder {
	b.t.Context = expr
	return b
}

// Handle sets a Go handler deciding whether and how to fire.
func (b *EventBuilder) Handle(h Handler) *EventBuilder {
	b.t.Handler = h
	return b
}

// Retry sets the retry policy.
func (b *EventBuilder) Retry(p RetryPolicy) *EventBuilder {
	b.t.Retry = p
	return b
}

// Version pins a function version. The latest version is used otherwise.
func (b *EventBuilder) Version(v string) *EventBuilder {
	b.t.Version = v
	return b
}

// Invoke completes the declaration with the target function.
func (b *EventBuilder) Invoke(functionID string) *EventTrigger {
	t := b.t
	t.FunctionID = functionID
	return &t
}

// ScheduleBuilder declares a schedule trigger.
//
//	triggers.Every("$.Daily", &triggers.Options{Time: "09:00"}).Invoke("report")
type ScheduleBuilder struct {
	t ScheduleTrigger
}

// Every starts a schedule trigger for a cron expression or semantic
// interval. opts may be nil.
func Every(schedule string, opts *Options) *ScheduleBuilder {
	b := &ScheduleBuilder{t: ScheduleTrigger{Schedule: schedule}}
	if opts != nil {
		b.t.Options = *opts
	}
	return b
}

// ID sets an explicit trigger id.
func (b *ScheduleBuilder) ID(id string) *ScheduleBuilder {
	b.t.ID = id
	return b
}

// WithInput sets the static input passed on every occurrence.
func (b *ScheduleBuilder) WithInput(input map[string]any) *ScheduleBuilder {
	b.t.Input = maps.Clone(input)
	return b
}

// Retry sets the retry policy.
func (b *ScheduleBuilder) Retry(p RetryPolicy) *ScheduleBuilder {
	b.t.Retry = p
	return b
}

// Version pins a function version.
func (b *ScheduleBuilder) Version(v string) *ScheduleBuilder {
	b.t.Version = v
	return b
}

// Invoke completes the declaration with the target function.
func (b *ScheduleBuilder) Invoke(functionID string) *ScheduleTrigger {
	t := b.t
	t.FunctionID = functionID
	return &t
}
