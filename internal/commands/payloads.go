package commands

import "time"

// Command names registered by NewCodec.
const (
	NameMobileCheckinStart     = "reservation.mobile_checkin.start"
	NameHousekeepingTaskAssign = "housekeeping.task.assign"
	NameBillingInvoiceAdjust   = "billing.invoice.adjust"
)

// MobileCheckinStart asks the reservations service to open a mobile
// check-in session for a guest.
type MobileCheckinStart struct {
	ReservationID string     `json:"reservationId" validate:"required"`
	GuestID       string     `json:"guestId" validate:"required"`
	DeviceID      string     `json:"deviceId,omitempty"`
	Channel       string     `json:"channel,omitempty" validate:"omitempty,oneof=app web kiosk"`
	RequestedAt   *time.Time `json:"requestedAt,omitempty"`
}

func (MobileCheckinStart) CommandName() string { return NameMobileCheckinStart }

// HousekeepingTaskAssign assigns a cleaning or maintenance task to a staff member.
type HousekeepingTaskAssign struct {
	TaskID     string     `json:"taskId" validate:"required"`
	RoomID     string     `json:"roomId" validate:"required"`
	AssigneeID string     `json:"assigneeId" validate:"required"`
	Priority   string     `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	DueAt      *time.Time `json:"dueAt,omitempty"`
	Notes      string     `json:"notes,omitempty" validate:"max=1000"`
}

func (HousekeepingTaskAssign) CommandName() string { return NameHousekeepingTaskAssign }

// BillingInvoiceAdjust applies a signed adjustment, in minor units, to an invoice.
type BillingInvoiceAdjust struct {
	InvoiceID   string `json:"invoiceId" validate:"required"`
	AmountMinor int64  `json:"amountMinor" validate:"required"`
	Currency    string `json:"currency" validate:"required,len=3,uppercase"`
	Reason      string `json:"reason" validate:"required,max=500"`
}

func (BillingInvoiceAdjust) CommandName() string { return NameBillingInvoiceAdjust }
