package tools

// Router is a named bundle of tool definitions that an application package
// can export as a unit and hand to Registry.Use. It has no behavior of its
// own; it only makes a group of tools importable together.
type Router struct {
	defs []*Definition
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Add appends definitions to the router and returns it for chaining.
func (r *Router) Add(defs ...*Definition) *Router {
	r.defs = append(r.defs, defs...)
	return r
}

// Definitions returns the carried definitions in the order they were added.
func (r *Router) Definitions() []*Definition {
	return r.defs
}
