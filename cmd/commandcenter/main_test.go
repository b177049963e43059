package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/command-relay/internal/broker"
	"github.com/tbourn/command-relay/internal/circuitbreaker"
	"github.com/tbourn/command-relay/internal/commands"
	"github.com/tbourn/command-relay/internal/config"
	"github.com/tbourn/command-relay/internal/consumer"
	"github.com/tbourn/command-relay/internal/domain"
	"github.com/tbourn/command-relay/internal/metrics"
	"github.com/tbourn/command-relay/internal/repo"
	"github.com/tbourn/command-relay/internal/services"
)

func TestStreamSubjects(t *testing.T) {
	cases := []struct {
		topic, dlq string
		want       []string
	}{
		{"commands", "commands.dlq", []string{"commands", "commands.>"}},
		{"commands", "", []string{"commands", "commands.>"}},
		{"commands", "dead.commands", []string{"commands", "commands.>", "dead.commands"}},
	}
	for _, tc := range cases {
		if got := streamSubjects(tc.topic, tc.dlq); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("streamSubjects(%q,%q) = %v, want %v", tc.topic, tc.dlq, got, tc.want)
		}
	}
}

func TestOpenTransport_MemoryRenamesDLQ(t *testing.T) {
	cfg := config.Config{
		Broker:   config.BrokerConfig{Kind: "memory"},
		Commands: config.CommandsConfig{Topic: "commands", DLQTopic: "dead", ConsumerEnabled: true},
	}
	tr, err := openTransport(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openTransport: %v", err)
	}
	defer tr.close()
	if tr.src == nil {
		t.Fatalf("expected a source when the consumer is enabled")
	}

	ctx := context.Background()
	if err := tr.dlqPub.Publish(ctx, broker.Message{Topic: domain.DLQTopic("commands"), Value: []byte("x")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := tr.dlqPub.Publish(ctx, broker.Message{Topic: "other", Value: []byte("y")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	m := tr.pub.(*broker.Memory)
	if n := len(m.Messages("dead")); n != 1 {
		t.Fatalf("dead topic has %d messages, want 1", n)
	}
	if n := len(m.Messages(domain.DLQTopic("commands"))); n != 0 {
		t.Fatalf("default dlq topic should be empty, has %d", n)
	}
	if n := len(m.Messages("other")); n != 1 {
		t.Fatalf("other topic has %d messages, want 1", n)
	}
}

type rejectTopic struct {
	broker.Publisher
	topic string
}

func (r rejectTopic) Publish(ctx context.Context, msg broker.Message) error {
	if msg.Topic == r.topic {
		return errors.New("broker unavailable")
	}
	return r.Publisher.Publish(ctx, msg)
}

func TestNewDispatcher_DeadLettersToConfiguredTopic(t *testing.T) {
	cfg := config.Config{
		Broker:   config.BrokerConfig{Kind: "memory"},
		Commands: config.CommandsConfig{Topic: "commands", DLQTopic: "dead", ServiceName: "hotel-ops"},
		Outbox:   config.OutboxConfig{WorkerID: "w1", MaxRetries: 0},
	}
	ctx := context.Background()
	tr, err := openTransport(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openTransport: %v", err)
	}
	defer tr.close()
	mem := tr.pub.(*broker.Memory)
	tr.pub = rejectTopic{Publisher: mem, topic: "commands"}

	dsn := fmt.Sprintf("file:cmd_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		t.Fatalf("loadRegistry: %v", err)
	}
	svc := &services.CommandService{DB: db, Registry: reg, Codec: commands.NewCodec(), Log: zerolog.Nop(), DefaultTopic: "commands"}
	res, err := svc.Accept(ctx, services.AcceptInput{
		CommandName: commands.NameHousekeepingTaskAssign,
		TenantID:    "t-1",
		Modules:     []string{"housekeeping"},
		Payload:     json.RawMessage(`{"taskId":"t","roomId":"1","assigneeId":"a"}`),
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	d := newDispatcher(cfg, db, svc, tr, circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), zerolog.Nop()),
		metrics.NewRecorder(prometheus.NewRegistry()), zerolog.Nop())
	out, err := d.RunCycle(ctx)
	if err != nil || out.DeadLettered != 1 {
		t.Fatalf("cycle: %+v, %v", out, err)
	}

	dead := mem.Messages("dead")
	if len(dead) != 1 {
		t.Fatalf("dead topic has %d messages, want 1", len(dead))
	}
	if n := len(mem.Messages(domain.DLQTopic("commands"))); n != 0 {
		t.Fatalf("default dlq topic should be empty, has %d", n)
	}
	var p domain.DLQPayload
	if err := json.Unmarshal(dead[0].Value, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Metadata.FailureReason != domain.FailureOutboxDispatch || p.Metadata.CommandID != res.Command.ID {
		t.Fatalf("unexpected dlq metadata: %+v", p.Metadata)
	}
}

func TestOpenTransport_UnknownBroker(t *testing.T) {
	cfg := config.Config{Broker: config.BrokerConfig{Kind: "carrier-pigeon"}}
	if _, err := openTransport(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unknown broker")
	}
}

func TestLoadRegistry_DefaultRoutesTargetThisService(t *testing.T) {
	cfg := config.Config{Commands: config.CommandsConfig{ServiceName: "hotel-ops", Topic: "commands"}}
	reg, err := loadRegistry(cfg)
	if err != nil {
		t.Fatalf("loadRegistry: %v", err)
	}
	route, err := reg.ResolveCommandForTenant(context.Background(), commands.NameBillingInvoiceAdjust, "t-1",
		services.Membership{Modules: []string{"billing"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if route.TargetService != "hotel-ops" {
		t.Fatalf("target = %q", route.TargetService)
	}
	if _, err := reg.ResolveCommandForTenant(context.Background(), commands.NameBillingInvoiceAdjust, "t-1", services.Membership{}); err == nil {
		t.Fatalf("expected modules error without billing")
	}
}

func TestLoadRegistry_MissingFile(t *testing.T) {
	cfg := config.Config{Commands: config.CommandsConfig{RoutesPath: t.TempDir() + "/missing.json"}}
	if _, err := loadRegistry(cfg); err == nil {
		t.Fatalf("expected error for missing routes file")
	}
}

func TestRegisterHandlers_CoversKnownCommands(t *testing.T) {
	mux := consumer.NewMux()
	registerHandlers(mux, zerolog.Nop())
	want := []string{commands.NameBillingInvoiceAdjust, commands.NameHousekeepingTaskAssign, commands.NameMobileCheckinStart}
	if got := mux.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("names = %v, want %v", got, want)
	}

	cmd := consumer.Command{
		Envelope: domain.Envelope{CommandID: "c-1", CommandName: commands.NameHousekeepingTaskAssign, TenantID: "t-1"},
		Payload:  &commands.HousekeepingTaskAssign{TaskID: "k", RoomID: "1", AssigneeID: "a"},
	}
	if err := mux.Route(context.Background(), cmd, consumer.Metadata{Attempt: 1}); err != nil {
		t.Fatalf("route: %v", err)
	}
}
