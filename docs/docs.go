package docs

import "github.com/swaggo/swag"

const docTemplate = `{
  "swagger": "2.0",
  "info": {
    "title": "SLA Watch Backend",
    "description": "Event deduplication and business-hours SLA escalation",
    "version": "1.0"
  },
  "basePath": "/",
  "paths": {
    "/healthz": {"get": {"tags": ["health"], "summary": "Health check", "responses": {"200": {"description": "OK"}, "503": {"description": "Database unavailable"}}}},
    "/webhooks/{source}": {"post": {"tags": ["webhooks"], "summary": "Receive a source webhook", "parameters": [{"name": "source", "in": "path", "required": true, "type": "string"}], "responses": {"202": {"description": "Accepted"}, "401": {"description": "Invalid signature"}, "503": {"description": "Ingest queue full"}}}},
    "/api/items": {"get": {"tags": ["items"], "summary": "List tracked items", "responses": {"200": {"description": "OK"}}}},
    "/api/items/{kind}/{id}": {"get": {"tags": ["items"], "summary": "Tracked item with its audit trail", "responses": {"200": {"description": "OK"}, "404": {"description": "Not found"}}}},
    "/api/items/{kind}/{id}/history": {"get": {"tags": ["items"], "summary": "Escalation history of an item", "responses": {"200": {"description": "OK"}}}},
    "/api/items/{kind}/{id}/resolve": {"post": {"tags": ["items"], "summary": "Resolve an item by hand", "responses": {"200": {"description": "OK"}, "409": {"description": "Already resolved"}}}},
    "/api/items/{kind}/{id}/retry": {"post": {"tags": ["items"], "summary": "Clear a notification failure and re-evaluate the item", "responses": {"200": {"description": "OK"}}}},
    "/api/events": {"post": {"tags": ["events"], "summary": "Submit raw events", "responses": {"200": {"description": "OK"}, "400": {"description": "Validation failed"}}}},
    "/api/escalation/run": {"post": {"tags": ["escalation"], "summary": "Run an escalation tick now", "responses": {"200": {"description": "OK"}}}},
    "/api/snapshots": {"get": {"tags": ["snapshots"], "summary": "List daily snapshots", "responses": {"200": {"description": "OK"}}}},
    "/api/snapshots/run": {"post": {"tags": ["snapshots"], "summary": "Write today's snapshot", "responses": {"200": {"description": "OK"}}}},
    "/api/runs/latest": {"get": {"tags": ["runs"], "summary": "Latest run", "responses": {"200": {"description": "OK"}, "404": {"description": "No runs"}}}}
  }
}`

func init() {
	swag.Register(swag.Name, &s{})
}

type s struct{}

func (s *s) ReadDoc() string {
	return docTemplate
}
