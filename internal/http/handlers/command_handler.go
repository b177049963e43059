// Command HTTP handlers.
//
// This file exposes REST endpoints for command intake and inspection:
//   - POST /commands/{name}   (accept a command into the outbox)
//   - GET  /commands/{id}     (read-model lookup)
//   - GET  /commands          (tenant's commands, paginated)
//   - GET  /outbox/stats      (outbox counts per status)
//   - GET  /breakers          (per-target circuit breaker state)
//
// Handlers are transport-thin: they validate input, call the command service,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/command-relay/internal/circuitbreaker"
	"github.com/tbourn/command-relay/internal/domain"
	"github.com/tbourn/command-relay/internal/http/middleware"
	"github.com/tbourn/command-relay/internal/repo"
	"github.com/tbourn/command-relay/internal/services"
	"github.com/tbourn/command-relay/internal/utils"
)

// Request headers read by the intake endpoint besides X-Tenant-ID and
// Idempotency-Key.
const (
	HeaderTenantModules = "X-Tenant-Modules"
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderReprocess     = "X-Reprocess"
)

//
// Service contracts (context-aware)
//

// CommandService is the intake and read side consumed by the handlers.
type CommandService interface {
	Accept(ctx context.Context, in services.AcceptInput) (*services.AcceptResult, error)
	Get(ctx context.Context, tenantID, id string) (*domain.Command, error)
	ListPage(ctx context.Context, tenantID string, page, pageSize int) ([]domain.Command, int64, error)
	OutboxStats(ctx context.Context) (repo.OutboxStats, error)
}

// BreakerStates reports the dispatcher's circuit breakers.
type BreakerStates interface {
	States() []circuitbreaker.Snapshot
}

//
// Handler wiring
//

// Handlers groups the command endpoints.
type Handlers struct {
	cmdSvc   CommandService
	breakers BreakerStates
}

// New constructs a Handlers instance. breakers may be nil when no dispatcher
// runs in this process.
func New(cmdSvc CommandService, breakers BreakerStates) *Handlers {
	return &Handlers{cmdSvc: cmdSvc, breakers: breakers}
}

//
// DTOs
//

// SubmitCommandRequest is the JSON body of a command submission.
type SubmitCommandRequest struct {
	// Payload is validated against the command's registered payload type.
	Payload json.RawMessage `json:"payload" swaggertype:"object"`
	// AggregateID keys the outbox record; defaults to the command id.
	AggregateID string `json:"aggregate_id,omitempty" example:"inv-2024-0042"`
	// Initiator identifies the actor (user, job) that issued the command.
	Initiator string `json:"initiator,omitempty" example:"user:42"`
}

// CommandAcceptedResponse is returned by the intake endpoint.
type CommandAcceptedResponse struct {
	CommandID     string               `json:"command_id" example:"8b0f3d3e-7d5c-4a57-9d0a-0d6c1f7f6a10"`
	OutboxID      string               `json:"outbox_id" example:"01J9Z7X4V4Q5W3M2K1H0G9F8E7"`
	CommandName   string               `json:"command_name" example:"billing.charge"`
	Status        domain.CommandStatus `json:"status" example:"ACCEPTED"`
	TargetService string               `json:"target_service" example:"billing"`
	TargetTopic   string               `json:"target_topic" example:"commands"`
	RequestID     string               `json:"request_id"`
	Replayed      bool                 `json:"replayed"`
	Reprocessed   bool                 `json:"reprocessed,omitempty"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListCommandsResponse wraps a page of commands and pagination information.
type ListCommandsResponse struct {
	Commands   []domain.Command `json:"commands"`
	Pagination Pagination       `json:"pagination"`
}

// BreakersResponse lists circuit breaker states.
type BreakersResponse struct {
	Breakers []circuitbreaker.Snapshot `json:"breakers"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPageSize = 20
		maxPageSize     = 100
	)
	p := utils.ParsePage(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)
	return p.Number, p.Size
}

func splitModules(h string) []string {
	var out []string
	for _, m := range strings.Split(h, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func requestID(c *gin.Context) string {
	if rid := middleware.RequestIDFrom(c); rid != "" {
		return rid
	}
	return c.Writer.Header().Get("X-Request-ID")
}

//
// Handlers
//

// SubmitCommand godoc
// @ID          submitCommand
// @Summary     Submit a command
// @Description Resolves the command route for the tenant, validates the payload, and stores the command with its outbox record in one transaction. Delivery is asynchronous. A repeated Idempotency-Key returns the original command with 200. A repeat of a dead-lettered command, or of a failed one with X-Reprocess, requeues it and returns 202.
// @Tags        Commands
// @Accept      json
// @Produce     json
//
// @Param       name              path    string  true  "Command name"                         example(billing.charge)
// @Param       X-Tenant-ID       header  string  true  "Tenant ID"                            example(t-1)
// @Param       X-Tenant-Modules  header  string  false "Comma separated modules of the tenant" example(billing,invoicing)
// @Param       X-Correlation-ID  header  string  false "Correlation ID propagated to consumers"
// @Param       Idempotency-Key   header  string  false "Client idempotency key"               example(order-42-charge)
// @Param       X-Reprocess       header  bool    false "Requeue a replayed command whose delivery failed"
// @Param       body              body    handlers.SubmitCommandRequest  true  "Command payload"
//
// @Success     202  {object}  handlers.CommandAcceptedResponse
// @Success     200  {object}  handlers.CommandAcceptedResponse  "Replay of an earlier submission"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Tenant lacks required modules"
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown command"
// @Failure     409  {object}  handlers.ErrorResponse  "Command disabled"
// @Failure     422  {object}  handlers.ErrorResponse  "Invalid payload"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /commands/{name} [post]
func (h *Handlers) SubmitCommand(c *gin.Context) {
	tenant := middleware.TenantID(c)
	if tenant == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "X-Tenant-ID header is required")
		return
	}

	var req SubmitCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	key, _ := middleware.GetIdempotencyKey(c)
	res, err := h.cmdSvc.Accept(c.Request.Context(), services.AcceptInput{
		CommandName:    c.Param("name"),
		TenantID:       tenant,
		Modules:        splitModules(c.GetHeader(HeaderTenantModules)),
		Payload:        req.Payload,
		RequestID:      requestID(c),
		CorrelationID:  strings.TrimSpace(c.GetHeader(HeaderCorrelationID)),
		Initiator:      req.Initiator,
		IdempotencyKey: key,
		AggregateID:    req.AggregateID,
		Reprocess:      reprocess(c.GetHeader(HeaderReprocess)),
	})
	if err != nil {
		failCommand(c, err, ErrCodeAcceptFailed)
		return
	}

	cmd := res.Command
	status := http.StatusAccepted
	switch {
	case res.Reprocessed:
		lg := middleware.LoggerFrom(c)
		lg.Info().Str("command_id", cmd.ID).Msg("command requeued")
	case res.Replayed:
		status = http.StatusOK
	default:
		lg := middleware.LoggerFrom(c)
		lg.Info().
			Str("command_id", cmd.ID).
			Str("command", cmd.CommandName).
			Str("target_service", cmd.TargetService).
			Msg("command accepted")
	}
	ok(c, status, CommandAcceptedResponse{
		CommandID:     cmd.ID,
		OutboxID:      cmd.OutboxID,
		CommandName:   cmd.CommandName,
		Status:        cmd.Status,
		TargetService: cmd.TargetService,
		TargetTopic:   cmd.TargetTopic,
		RequestID:     cmd.RequestID,
		Replayed:      res.Replayed,
		Reprocessed:   res.Reprocessed,
	})
}

func reprocess(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// GetCommand godoc
// @ID          getCommand
// @Summary     Get a command
// @Description Returns the command read-model. When X-Tenant-ID is sent, commands of other tenants are reported as not found.
// @Tags        Commands
// @Produce     json
//
// @Param       id           path    string  true  "Command ID (UUID)"  format(uuid)
// @Param       X-Tenant-ID  header  string  false "Tenant ID"
//
// @Success     200  {object}  domain.Command
// @Failure     404  {object}  handlers.ErrorResponse  "Command not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /commands/{id} [get]
func (h *Handlers) GetCommand(c *gin.Context) {
	cmd, err := h.cmdSvc.Get(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		failCommand(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, cmd)
}

// ListCommands godoc
// @ID          listCommands
// @Summary     List commands (paginated)
// @Description Returns a page of the tenant's commands, newest first.
// @Tags        Commands
// @Produce     json
//
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       page         query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size    query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListCommandsResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /commands [get]
func (h *Handlers) ListCommands(c *gin.Context) {
	tenant := middleware.TenantID(c)
	if tenant == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "X-Tenant-ID header is required")
		return
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.cmdSvc.ListPage(c.Request.Context(), tenant, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := utils.TotalPages(total, pageSize)
	ok(c, http.StatusOK, ListCommandsResponse{
		Commands: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// OutboxStats godoc
// @ID          outboxStats
// @Summary     Outbox statistics
// @Description Row counts per outbox status and the age of the oldest pending record.
// @Tags        Operations
// @Produce     json
//
// @Success     200  {object}  repo.OutboxStats
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /outbox/stats [get]
func (h *Handlers) OutboxStats(c *gin.Context) {
	stats, err := h.cmdSvc.OutboxStats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, stats)
}

// Breakers godoc
// @ID          listBreakers
// @Summary     Circuit breaker states
// @Description State of each per-target circuit breaker used by the outbox dispatcher.
// @Tags        Operations
// @Produce     json
//
// @Success     200  {object}  handlers.BreakersResponse
// @Router      /breakers [get]
func (h *Handlers) Breakers(c *gin.Context) {
	resp := BreakersResponse{Breakers: []circuitbreaker.Snapshot{}}
	if h.breakers != nil {
		resp.Breakers = h.breakers.States()
	}
	ok(c, http.StatusOK, resp)
}
