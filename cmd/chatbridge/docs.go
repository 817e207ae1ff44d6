package main

// General API documentation for swaggo. Regenerate internal/httpapi/docs with
// `swag init -g cmd/chatbridge/docs.go -o internal/httpapi/docs`.
//
// @title           chatbridge API
// @version         1.0
// @description     OpenAI-compatible chat completions over a streaming inference engine.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
//
// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization
