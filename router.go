package sqpool

import (
	"encoding/json"
	"sync"

	"golang.org/x/net/context"
)

// TypeAttribute is the message attribute Router reads the message type from.
const TypeAttribute = "type"

// Router resolves handlers by message type, in the manner of http.ServeMux.
//
// The type of a message is its "type" attribute or, when that is absent, the
// "type" property of a JSON body. Messages whose type has no registered
// handler resolve to NotFound, which is nil unless set.
type Router struct {
	// TypeOf overrides how the message type is determined.
	TypeOf   func(m *Message) string
	NotFound Handler

	mu     sync.RWMutex
	routes map[string]Handler
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Handler)}
}

// Handle registers h for messages of type t. A later registration for the
// same type replaces the earlier one.
func (r *Router) Handle(t string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.routes == nil {
		r.routes = make(map[string]Handler)
	}
	r.routes[t] = h
}

// HandleFunc registers fn for messages of type t.
func (r *Router) HandleFunc(t string, fn func(ctx context.Context, m *Message) error) {
	r.Handle(t, HandlerFunc(fn))
}

// Resolve implements Resolver.
func (r *Router) Resolve(m *Message) Handler {
	t := r.typeOf(m)
	r.mu.RLock()
	h, ok := r.routes[t]
	r.mu.RUnlock()
	if !ok || t == "" {
		return r.NotFound
	}
	return h
}

// Types returns the registered message types.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	return out
}

func (r *Router) typeOf(m *Message) string {
	if r.TypeOf != nil {
		return r.TypeOf(m)
	}
	return MessageType(m)
}

type typedBody struct {
	Type string `json:"type"`
}

// MessageType returns the type attribute of m, falling back to the "type"
// property of a JSON body. It returns "" when neither is present.
func MessageType(m *Message) string {
	if m == nil {
		return ""
	}
	if t := m.Attribute(TypeAttribute); t != "" {
		return t
	}
	var tb typedBody
	if err := json.Unmarshal([]byte(m.Body), &tb); err != nil {
		return ""
	}
	return tb.Type
}
