// Package commands defines the typed command payloads carried inside an
// envelope and the Codec that decodes raw JSON into them by command name.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnknownCommand is returned when no payload type is registered for a name.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidPayload is returned when a payload cannot be decoded or fails validation.
	ErrInvalidPayload = errors.New("invalid command payload")
)

// Payload is implemented by every command payload type.
type Payload interface {
	CommandName() string
}

// Codec maps command names to payload types. Register every type before the
// codec is shared; Decode is safe for concurrent use afterwards.
type Codec struct {
	types    map[string]func() Payload
	validate *validator.Validate
}

// NewCodec returns a Codec with the built-in command payloads registered.
func NewCodec() *Codec {
	c := NewEmptyCodec()
	c.Register(NameMobileCheckinStart, func() Payload { return &MobileCheckinStart{} })
	c.Register(NameHousekeepingTaskAssign, func() Payload { return &HousekeepingTaskAssign{} })
	c.Register(NameBillingInvoiceAdjust, func() Payload { return &BillingInvoiceAdjust{} })
	return c
}

// NewEmptyCodec returns a Codec with no registrations.
func NewEmptyCodec() *Codec {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in validation errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Codec{types: make(map[string]func() Payload), validate: v}
}

// Register binds name to a payload constructor. newFn must return a pointer.
func (c *Codec) Register(name string, newFn func() Payload) {
	c.types[name] = newFn
}

// Known reports whether name has a registered payload type.
func (c *Codec) Known(name string) bool {
	_, ok := c.types[name]
	return ok
}

// Names returns the registered command names in sorted order.
func (c *Codec) Names() []string {
	out := make([]string, 0, len(c.types))
	for n := range c.types {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Decode unmarshals raw into the payload type registered for name and
// validates it. Errors wrap ErrUnknownCommand or ErrInvalidPayload.
func (c *Codec) Decode(name string, raw []byte) (Payload, error) {
	newFn, ok := c.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	p := newFn()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := c.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, describe(err))
	}
	return p, nil
}

// Encode marshals p to JSON.
func (c *Codec) Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if _, ok := c.types[p.CommandName()]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, p.CommandName())
	}
	return json.Marshal(p)
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}
