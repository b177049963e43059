package commands

import (
	"errors"
	"strings"
	"testing"
)

func TestDecode_Registered(t *testing.T) {
	c := NewCodec()
	p, err := c.Decode(NameHousekeepingTaskAssign, []byte(`{"taskId":"t1","roomId":"101","assigneeId":"u9","priority":"high"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	task, ok := p.(*HousekeepingTaskAssign)
	if !ok {
		t.Fatalf("want *HousekeepingTaskAssign, got %T", p)
	}
	if task.RoomID != "101" || task.Priority != "high" {
		t.Fatalf("unexpected payload: %+v", task)
	}
	if task.CommandName() != NameHousekeepingTaskAssign {
		t.Fatalf("CommandName = %q", task.CommandName())
	}
}

func TestDecode_Unknown(t *testing.T) {
	_, err := NewCodec().Decode("nope.nothing", []byte(`{}`))
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("want ErrUnknownCommand, got %v", err)
	}
}

func TestDecode_Invalid(t *testing.T) {
	c := NewCodec()
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"bad json", `{"invoiceId":`, ""},
		{"empty", ``, "empty"},
		{"missing required", `{"invoiceId":"i1","currency":"EUR","reason":"x"}`, "amountMinor"},
		{"bad currency", `{"invoiceId":"i1","amountMinor":-500,"currency":"eu","reason":"x"}`, "currency"},
	}
	for _, tc := range cases {
		_, err := c.Decode(NameBillingInvoiceAdjust, []byte(tc.raw))
		if !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("%s: want ErrInvalidPayload, got %v", tc.name, err)
		}
		if tc.want != "" && !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q should mention %q", tc.name, err, tc.want)
		}
	}
}

func TestDecode_NegativeAdjustmentAllowed(t *testing.T) {
	p, err := NewCodec().Decode(NameBillingInvoiceAdjust, []byte(`{"invoiceId":"i1","amountMinor":-500,"currency":"EUR","reason":"goodwill"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.(*BillingInvoiceAdjust).AmountMinor != -500 {
		t.Fatalf("amount = %d", p.(*BillingInvoiceAdjust).AmountMinor)
	}
}

func TestEncodeAndNames(t *testing.T) {
	c := NewCodec()
	raw, err := c.Encode(&MobileCheckinStart{ReservationID: "r1", GuestID: "g1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.Decode(NameMobileCheckinStart, raw); err != nil {
		t.Fatalf("decode encoded: %v", err)
	}
	if _, err := NewEmptyCodec().Encode(&MobileCheckinStart{}); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("want ErrUnknownCommand, got %v", err)
	}

	names := c.Names()
	if len(names) != 3 || names[0] != NameBillingInvoiceAdjust {
		t.Fatalf("names = %v", names)
	}
	if !c.Known(NameMobileCheckinStart) || c.Known("x") {
		t.Fatalf("Known mismatch")
	}
}
