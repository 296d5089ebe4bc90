// Package ratelimit provides per-IP rate limiting middleware for the
// exporter's HTTP endpoints.
package ratelimit
