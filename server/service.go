package server

import (
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType // keyed by event name
}

// NewService scans rcvr for handler methods.
func NewService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.RegisterMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("server: %s has no methods of the form Name(*Args, *Reply) error", srv.name)
	}
	return srv, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// RegisterMethods keeps the exported methods shaped Name(args *A, reply *R) error.
// Each is served under the event name with its first letter lowered: Calculate → "calculate".
func (s *service) RegisterMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		if method.Type.NumIn() != 3 || method.Type.NumOut() != 1 || method.Type.Out(0) != errorType ||
			method.Type.In(1).Kind() != reflect.Ptr || method.Type.In(2).Kind() != reflect.Ptr {
			continue
		}

		s.method[EventName(method.Name)] = &methodType{
			method:    method,
			ArgType:   method.Type.In(1).Elem(),
			ReplyType: method.Type.In(2).Elem(),
		}
	}
}

func (s *service) Call(mType *methodType, argv, replyv reflect.Value) error {
	args := [3]reflect.Value{s.rcvr, argv, replyv}
	results := mType.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

// EventName maps a Go method name to the event it is served under.
func EventName(method string) string {
	r, size := utf8.DecodeRuneInString(method)
	if r == utf8.RuneError {
		return method
	}
	return string(unicode.ToLower(r)) + method[size:]
}
