// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrBackend = "backend"
	attrStep    = "step"
	attrState   = "state"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with keys to reduce cardinality
	// /v1/jobs/proj-42 -> /v1/jobs/{key}
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func backendAttr(backend string) attribute.KeyValue {
	return attribute.String(attrBackend, backend)
}

func stepAttr(step string) attribute.KeyValue {
	return attribute.String(attrStep, step)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
		if strings.HasSuffix(path, "/history") {
			return "/v1/jobs/{key}/history"
		}
		return "/v1/jobs/{key}"
	}
	return path
}
