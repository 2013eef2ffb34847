package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/recallhq/recall-backend/internal/platform/logger"
)

// Context carries one task execution: the deadline-bound context, the
// message and a task-scoped logger.
type Context struct {
	ctx context.Context
	log *logger.Logger
	msg Message
}

func (c *Context) Ctx() context.Context { return c.ctx }
func (c *Context) Log() *logger.Logger  { return c.log }
func (c *Context) TaskID() string       { return c.msg.ID }
func (c *Context) Attempt() int         { return c.msg.Attempt }

// String returns a string argument, empty when absent or mistyped.
func (c *Context) String(key string) string {
	v, _ := c.msg.Args[key].(string)
	return v
}

// Int returns an integer argument; JSON numbers arrive as float64.
func (c *Context) Int(key string) int {
	switch v := c.msg.Args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Bool returns a boolean argument, false when absent or mistyped.
func (c *Context) Bool(key string) bool {
	v, _ := c.msg.Args[key].(bool)
	return v
}

func (c *Context) Args() map[string]any { return c.msg.Args }

type Handler interface {
	Type() string
	Run(tc *Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	Name string
	Fn   func(tc *Context) error
}

func (h HandlerFunc) Type() string          { return h.Name }
func (h HandlerFunc) Run(tc *Context) error { return h.Fn(tc) }

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for task=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(task string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[task]
	return h, ok
}
