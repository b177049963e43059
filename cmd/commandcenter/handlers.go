package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tbourn/command-relay/internal/commands"
	"github.com/tbourn/command-relay/internal/consumer"
)

// registerHandlers binds the typed command handlers of this service. They
// record the command they applied; downstream side effects belong to the
// owning service.
func registerHandlers(mux *consumer.Mux, log zerolog.Logger) {
	consumer.HandleTyped(mux, commands.NameMobileCheckinStart,
		func(ctx context.Context, cmd consumer.Command, p *commands.MobileCheckinStart, md consumer.Metadata) error {
			applied(log, cmd, md).
				Str("reservation_id", p.ReservationID).
				Str("guest_id", p.GuestID).
				Str("channel", p.Channel).
				Msg("mobile check-in started")
			return nil
		})

	consumer.HandleTyped(mux, commands.NameHousekeepingTaskAssign,
		func(ctx context.Context, cmd consumer.Command, p *commands.HousekeepingTaskAssign, md consumer.Metadata) error {
			applied(log, cmd, md).
				Str("task_id", p.TaskID).
				Str("room_id", p.RoomID).
				Str("assignee_id", p.AssigneeID).
				Msg("housekeeping task assigned")
			return nil
		})

	consumer.HandleTyped(mux, commands.NameBillingInvoiceAdjust,
		func(ctx context.Context, cmd consumer.Command, p *commands.BillingInvoiceAdjust, md consumer.Metadata) error {
			applied(log, cmd, md).
				Str("invoice_id", p.InvoiceID).
				Int64("amount_minor", p.AmountMinor).
				Str("currency", p.Currency).
				Msg("invoice adjusted")
			return nil
		})
}

func applied(log zerolog.Logger, cmd consumer.Command, md consumer.Metadata) *zerolog.Event {
	return log.Info().
		Str("command_id", cmd.Envelope.CommandID).
		Str("tenant_id", cmd.Envelope.TenantID).
		Str("correlation_id", cmd.Envelope.CorrelationID).
		Str("topic", md.Topic).
		Int("attempt", md.Attempt)
}
