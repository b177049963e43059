// Package docs holds the OpenAPI document served under /swagger. It follows
// the layout produced by swag init from the handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/commands": {
            "get": {
                "description": "Returns a page of the tenant's commands, newest first.",
                "produces": ["application/json"],
                "tags": ["Commands"],
                "summary": "List commands (paginated)",
                "operationId": "listCommands",
                "parameters": [
                    {"type": "string", "description": "Tenant ID", "name": "X-Tenant-ID", "in": "header", "required": true},
                    {"minimum": 1, "type": "integer", "default": 1, "description": "Page number", "name": "page", "in": "query"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 20, "description": "Items per page", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListCommandsResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/commands/{id}": {
            "get": {
                "description": "Returns the command read-model. When X-Tenant-ID is sent, commands of other tenants are reported as not found.",
                "produces": ["application/json"],
                "tags": ["Commands"],
                "summary": "Get a command",
                "operationId": "getCommand",
                "parameters": [
                    {"type": "string", "format": "uuid", "description": "Command ID (UUID)", "name": "id", "in": "path", "required": true},
                    {"type": "string", "description": "Tenant ID", "name": "X-Tenant-ID", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Command"}},
                    "404": {"description": "Command not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/commands/{name}": {
            "post": {
                "description": "Resolves the command route for the tenant, validates the payload, and stores the command with its outbox record in one transaction. Delivery is asynchronous. A repeated Idempotency-Key returns the original command with 200.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Commands"],
                "summary": "Submit a command",
                "operationId": "submitCommand",
                "parameters": [
                    {"type": "string", "example": "billing.charge", "description": "Command name", "name": "name", "in": "path", "required": true},
                    {"type": "string", "example": "t-1", "description": "Tenant ID", "name": "X-Tenant-ID", "in": "header", "required": true},
                    {"type": "string", "example": "billing,invoicing", "description": "Comma separated modules of the tenant", "name": "X-Tenant-Modules", "in": "header"},
                    {"type": "string", "description": "Correlation ID propagated to consumers", "name": "X-Correlation-ID", "in": "header"},
                    {"type": "string", "example": "order-42-charge", "description": "Client idempotency key", "name": "Idempotency-Key", "in": "header"},
                    {"type": "boolean", "description": "Requeue a replayed command whose delivery failed", "name": "X-Reprocess", "in": "header"},
                    {"description": "Command payload", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.SubmitCommandRequest"}}
                ],
                "responses": {
                    "200": {"description": "Replay of an earlier submission", "schema": {"$ref": "#/definitions/handlers.CommandAcceptedResponse"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/handlers.CommandAcceptedResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "403": {"description": "Tenant lacks required modules", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Unknown command", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Command disabled", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "422": {"description": "Invalid payload", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "429": {"description": "Rate limited", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/outbox/stats": {
            "get": {
                "description": "Row counts per outbox status and the age of the oldest pending record.",
                "produces": ["application/json"],
                "tags": ["Operations"],
                "summary": "Outbox statistics",
                "operationId": "outboxStats",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/repo.OutboxStats"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/breakers": {
            "get": {
                "description": "State of each per-target circuit breaker used by the outbox dispatcher.",
                "produces": ["application/json"],
                "tags": ["Operations"],
                "summary": "Circuit breaker states",
                "operationId": "listBreakers",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.BreakersResponse"}}
                }
            }
        }
    },
    "definitions": {
        "circuitbreaker.Snapshot": {
            "type": "object",
            "properties": {
                "target": {"type": "string"},
                "state": {"type": "string", "enum": ["CLOSED", "OPEN", "HALF_OPEN"]}
            }
        },
        "domain.Command": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "tenant_id": {"type": "string"},
                "command_name": {"type": "string"},
                "status": {"type": "string", "enum": ["ACCEPTED", "PUBLISHED", "FAILED", "DLQ"]},
                "target_service": {"type": "string"},
                "target_topic": {"type": "string"},
                "route_source": {"type": "string"},
                "request_id": {"type": "string"},
                "correlation_id": {"type": "string"},
                "initiator": {"type": "string"},
                "idempotency_key": {"type": "string"},
                "payload_hash": {"type": "string"},
                "outbox_id": {"type": "string"},
                "last_error": {"type": "string"},
                "issued_at": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "handlers.BreakersResponse": {
            "type": "object",
            "properties": {
                "breakers": {"type": "array", "items": {"$ref": "#/definitions/circuitbreaker.Snapshot"}}
            }
        },
        "handlers.CommandAcceptedResponse": {
            "type": "object",
            "properties": {
                "command_id": {"type": "string", "example": "8b0f3d3e-7d5c-4a57-9d0a-0d6c1f7f6a10"},
                "outbox_id": {"type": "string", "example": "01J9Z7X4V4Q5W3M2K1H0G9F8E7"},
                "command_name": {"type": "string", "example": "billing.charge"},
                "status": {"type": "string", "example": "ACCEPTED"},
                "target_service": {"type": "string", "example": "billing"},
                "target_topic": {"type": "string", "example": "commands"},
                "request_id": {"type": "string"},
                "replayed": {"type": "boolean"},
                "reprocessed": {"type": "boolean"}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string", "example": "123e4567-e89b-12d3-a456-426614174000"},
                "code": {"type": "string", "example": "command_not_found"},
                "message": {"type": "string", "example": "command not found: billing.refund"},
                "details": {"type": "object"}
            }
        },
        "handlers.ListCommandsResponse": {
            "type": "object",
            "properties": {
                "commands": {"type": "array", "items": {"$ref": "#/definitions/domain.Command"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total": {"type": "integer"},
                "total_pages": {"type": "integer"},
                "has_next": {"type": "boolean"}
            }
        },
        "handlers.SubmitCommandRequest": {
            "type": "object",
            "properties": {
                "payload": {"type": "object"},
                "aggregate_id": {"type": "string", "example": "inv-2024-0042"},
                "initiator": {"type": "string", "example": "user:42"}
            }
        },
        "repo.OutboxStats": {
            "type": "object",
            "properties": {
                "counts": {"type": "object", "additionalProperties": {"type": "integer"}},
                "oldest_pending": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Command Relay API",
	Description:      "Transactional command intake with outbox-based delivery.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
