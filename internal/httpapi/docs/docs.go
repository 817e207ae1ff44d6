// Package docs registers the OpenAPI document of the chatbridge HTTP API
// with swag. Regenerate with `swag init -g cmd/chatbridge/docs.go -o internal/httpapi/docs`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/v1/chat/completions": {
            "post": {
                "tags": ["chat"],
                "summary": "Create a chat completion",
                "consumes": ["application/json"],
                "produces": ["application/json", "text/event-stream"],
                "parameters": [
                    {"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/types.ChatCompletionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ChatCompletionResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "415": {"description": "Unsupported Media Type", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/v1/chat/completions/{id}": {
            "delete": {
                "tags": ["chat"],
                "summary": "Abort a chat completion",
                "parameters": [{"type": "string", "description": "Request id", "name": "id", "in": "path", "required": true}],
                "responses": {"204": {"description": "No Content"}}
            }
        },
        "/v1/models": {
            "get": {
                "tags": ["models"],
                "summary": "List model packages",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}}
            }
        },
        "/status": {
            "get": {
                "tags": ["status"],
                "summary": "Bridge status",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.BridgeStatus"}}}
            }
        },
        "/admin/reload": {
            "post": {
                "tags": ["admin"],
                "summary": "Reload the engine",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.BridgeStatus"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/admin/unload": {
            "post": {"tags": ["admin"], "summary": "Unload the model", "responses": {"204": {"description": "No Content"}}}
        },
        "/admin/reset": {
            "post": {"tags": ["admin"], "summary": "Reset the engine", "responses": {"204": {"description": "No Content"}}}
        }
    },
    "definitions": {
        "types.ChatMessage": {
            "type": "object",
            "required": ["role"],
            "properties": {
                "role": {"type": "string", "example": "user"},
                "content": {"type": "string", "example": "Write a haiku about the ocean."},
                "name": {"type": "string"}
            }
        },
        "types.ChatCompletionRequest": {
            "type": "object",
            "properties": {
                "model": {"type": "string", "example": "tinyllama-chat"},
                "messages": {"type": "array", "items": {"$ref": "#/definitions/types.ChatMessage"}},
                "temperature": {"type": "number", "example": 0.7},
                "top_p": {"type": "number", "example": 0.9},
                "frequency_penalty": {"type": "number"},
                "presence_penalty": {"type": "number"},
                "repetition_penalty": {"type": "number"},
                "seed": {"type": "integer", "example": 42},
                "max_tokens": {"type": "integer", "example": 128},
                "n": {"type": "integer", "example": 1},
                "logprobs": {"type": "boolean"},
                "top_logprobs": {"type": "integer"},
                "logit_bias": {"type": "object", "additionalProperties": {"type": "number"}},
                "stop": {"type": "array", "items": {"type": "string"}},
                "stream": {"type": "boolean", "example": true}
            }
        },
        "types.Choice": {
            "type": "object",
            "properties": {
                "index": {"type": "integer"},
                "message": {"$ref": "#/definitions/types.ChatMessage"},
                "finish_reason": {"type": "string"}
            }
        },
        "types.Usage": {
            "type": "object",
            "properties": {
                "prompt_tokens": {"type": "integer", "example": 24},
                "completion_tokens": {"type": "integer", "example": 17},
                "total_tokens": {"type": "integer", "example": 41}
            }
        },
        "types.ChatCompletionResponse": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "object": {"type": "string"},
                "created": {"type": "integer"},
                "model": {"type": "string"},
                "system_fingerprint": {"type": "string"},
                "choices": {"type": "array", "items": {"$ref": "#/definitions/types.Choice"}},
                "usage": {"$ref": "#/definitions/types.Usage"}
            }
        },
        "types.Model": {
            "type": "object",
            "properties": {
                "id": {"type": "string", "example": "tinyllama-chat"},
                "object": {"type": "string", "example": "model"},
                "path": {"type": "string"},
                "model_type": {"type": "string", "example": "llama"},
                "context_window_size": {"type": "integer", "example": 2048}
            }
        },
        "types.ModelsResponse": {
            "type": "object",
            "properties": {
                "object": {"type": "string", "example": "list"},
                "data": {"type": "array", "items": {"$ref": "#/definitions/types.Model"}}
            }
        },
        "types.BridgeStatus": {
            "type": "object",
            "properties": {
                "state": {"type": "string", "example": "ready"},
                "model": {"type": "string"},
                "model_path": {"type": "string"},
                "device": {"type": "string", "example": "cpu"},
                "inflight": {"type": "integer"},
                "queue_len": {"type": "integer"},
                "queue_cap": {"type": "integer"},
                "uptime_seconds": {"type": "integer"},
                "server_time_unix": {"type": "integer"},
                "loaded_at_unix": {"type": "integer"},
                "submitted_total": {"type": "integer"},
                "rejected_total": {"type": "integer"},
                "aborted_total": {"type": "integer"}
            }
        },
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string", "example": "invalid JSON body"},
                "code": {"type": "integer", "example": 400}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "chatbridge API",
	Description:      "OpenAI-compatible chat completions over a streaming inference engine.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
