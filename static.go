package tggl

// StaticClient serves a frozen set of pre-evaluated flag values. It is
// built by Client.NewClientForContext for request-scoped evaluation, or
// directly from a known value map. All methods are read-only and safe
// for concurrent use.
type StaticClient struct {
	flags      map[string]any
	clientID   string
	reporting  *Reporting
	onFlagEval *listenerRegistry[FlagEvalEvent]
}

// NewStaticClient creates a StaticClient from a slug to value map,
// without any reporting.
func NewStaticClient(flags map[string]any) *StaticClient {
	copied := make(map[string]any, len(flags))
	for slug, value := range flags {
		copied[slug] = value
	}
	return &StaticClient{
		flags:      copied,
		clientID:   clientIdentity("StaticClient", ""),
		onFlagEval: newListenerRegistry[FlagEvalEvent](),
	}
}

// Get returns the frozen value of a flag, or defaultValue when the
// flag is absent or its value's shape differs from the default's.
func (c *StaticClient) Get(slug string, defaultValue any) any {
	value, ok := c.flags[slug]
	if !ok || value == nil || !shapeMatches(value, defaultValue) {
		value = defaultValue
	}
	if c.reporting != nil {
		c.reporting.ReportFlag(c.clientID, slug, value, defaultValue)
	}
	c.onFlagEval.emit(FlagEvalEvent{Slug: slug, Value: value, Default: defaultValue})
	return value
}

// GetAll returns a copy of the frozen flag values.
func (c *StaticClient) GetAll() map[string]any {
	result := make(map[string]any, len(c.flags))
	for slug, value := range c.flags {
		result[slug] = value
	}
	return result
}
