// Package api implements the task-service HTTP surface: task CRUD,
// consumer registration, cluster join, and health/ready/metrics endpoints,
// routed with go-chi/chi. The POST /task, PUT and DELETE /consumer and
// POST /cluster/join bodies are checked with go-playground/validator; the
// PUT /task/{id} body is decoded strictly instead, rejecting unknown fields.
package api
