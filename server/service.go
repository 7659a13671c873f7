package server

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"meshrpc/rpcerr"
	"meshrpc/serializer"
)

// Handler is one entry of a service's method table: a typed invocation
// closure built once, at export time, instead of reflection at call time.
type Handler struct {
	arity      int
	paramTypes []string
	invoke     func(ctx context.Context, ser serializer.Serializer, params [][]byte) (any, error)
}

// Arity is the number of parameters the handler takes.
func (h Handler) Arity() int {
	return h.arity
}

// ParamTypes describes the declared parameter types.
func (h Handler) ParamTypes() []string {
	return h.paramTypes
}

func typeName[T any]() string {
	var zero T
	return fmt.Sprintf("%T", zero)
}

func decodeParam[T any](ser serializer.Serializer, params [][]byte, i int) (T, error) {
	var v T
	if err := ser.Deserialize(params[i], &v); err != nil {
		return v, rpcerr.Wrap(rpcerr.Invocation, err, fmt.Sprintf("decode argument %d as %s", i, typeName[T]()))
	}
	return v, nil
}

// Method0 adapts a method without parameters.
func Method0[R any](fn func(ctx context.Context) (R, error)) Handler {
	return Handler{
		arity: 0,
		invoke: func(ctx context.Context, _ serializer.Serializer, _ [][]byte) (any, error) {
			return fn(ctx)
		},
	}
}

// Method1 adapts a one-parameter method.
func Method1[A, R any](fn func(ctx context.Context, a A) (R, error)) Handler {
	return Handler{
		arity:      1,
		paramTypes: []string{typeName[A]()},
		invoke: func(ctx context.Context, ser serializer.Serializer, params [][]byte) (any, error) {
			a, err := decodeParam[A](ser, params, 0)
			if err != nil {
				return nil, err
			}
			return fn(ctx, a)
		},
	}
}

// Method2 adapts a two-parameter method.
func Method2[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) Handler {
	return Handler{
		arity:      2,
		paramTypes: []string{typeName[A](), typeName[B]()},
		invoke: func(ctx context.Context, ser serializer.Serializer, params [][]byte) (any, error) {
			a, err := decodeParam[A](ser, params, 0)
			if err != nil {
				return nil, err
			}
			b, err := decodeParam[B](ser, params, 1)
			if err != nil {
				return nil, err
			}
			return fn(ctx, a, b)
		},
	}
}

// Method3 adapts a three-parameter method.
func Method3[A, B, C, R any](fn func(ctx context.Context, a A, b B, c C) (R, error)) Handler {
	return Handler{
		arity:      3,
		paramTypes: []string{typeName[A](), typeName[B](), typeName[C]()},
		invoke: func(ctx context.Context, ser serializer.Serializer, params [][]byte) (any, error) {
			a, err := decodeParam[A](ser, params, 0)
			if err != nil {
				return nil, err
			}
			b, err := decodeParam[B](ser, params, 1)
			if err != nil {
				return nil, err
			}
			c, err := decodeParam[C](ser, params, 2)
			if err != nil {
				return nil, err
			}
			return fn(ctx, a, b, c)
		},
	}
}

type methodKey struct {
	name  string
	arity int
}

// Service is the method table of one exported implementation, keyed by
// (method name, arity) so overloads by parameter count can coexist.
type Service struct {
	mu      sync.RWMutex
	methods map[methodKey]Handler
}

func NewService() *Service {
	return &Service{methods: make(map[methodKey]Handler)}
}

// Handle adds h under name, replacing any handler of the same name and arity.
func (s *Service) Handle(name string, h Handler) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[methodKey{name: name, arity: h.arity}] = h
	return s
}

func (s *Service) lookup(name string, arity int) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.methods[methodKey{name: name, arity: arity}]
	return h, ok
}

// Methods lists "name/arity" for every entry.
func (s *Service) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.methods))
	for k := range s.methods {
		out = append(out, fmt.Sprintf("%s/%d", k.name, k.arity))
	}
	sort.Strings(out)
	return out
}
