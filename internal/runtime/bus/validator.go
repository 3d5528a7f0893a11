package bus

import (
	"reflect"
	"sync"

	"github.com/drblury/unitkernel/internal/runtime/jsoncodec"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/known/structpb"
)

// Schema lists the fields a payload on a topic must carry.
type Schema struct {
	Required []string `json:"required" yaml:"required" toml:"required"`
}

// Result reports the outcome of Validate.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Validator checks payload shape per topic. It is advisory: nothing on the
// bus consults it on its own.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]Schema)}
}

// Register attaches schema to topic, replacing any earlier one.
func (v *Validator) Register(topic string, schema Schema) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[topic] = schema
}

// Has reports whether topic has a schema.
func (v *Validator) Has(topic string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[topic]
	return ok
}

// Validate reports one error per missing required field. Topics without a
// schema always pass.
func (v *Validator) Validate(topic string, payload any) Result {
	v.mu.RLock()
	schema, ok := v.schemas[topic]
	v.mu.RUnlock()
	if !ok || len(schema.Required) == 0 {
		return Result{Valid: true, Errors: []string{}}
	}

	has := presence(payload)
	errs := []string{}
	for _, field := range schema.Required {
		if !has(field) {
			errs = append(errs, "missing required field: "+field)
		}
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

// presence returns a field lookup for the payload's concrete shape.
func presence(payload any) func(string) bool {
	switch p := payload.(type) {
	case nil:
		return func(string) bool { return false }
	case map[string]any:
		return func(field string) bool { _, ok := p[field]; return ok }
	case *structpb.Struct:
		fields := p.GetFields()
		return func(field string) bool { _, ok := fields[field]; return ok }
	case proto.Message:
		return protoPresence(p.ProtoReflect())
	}

	rv := reflect.ValueOf(payload)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return func(string) bool { return false }
	}
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		return func(field string) bool {
			return rv.MapIndex(reflect.ValueOf(field).Convert(rv.Type().Key())).IsValid()
		}
	}
	fields, err := jsoncodec.ToMap(payload)
	if err != nil {
		return func(string) bool { return false }
	}
	return func(field string) bool { _, ok := fields[field]; return ok }
}

func protoPresence(m protoreflect.Message) func(string) bool {
	desc := m.Descriptor().Fields()
	return func(field string) bool {
		fd := desc.ByName(protoreflect.Name(field))
		if fd == nil {
			fd = desc.ByJSONName(field)
		}
		return fd != nil && m.Has(fd)
	}
}
