// Package metrics extracts operator-configured custom fields out of a raw
// provider response body via JSONPath, for attaching to session metadata.
// It runs the same
// hard-timeout-plus-panic-recovery extraction wrapper and pooled JSON
// parsing, generalized from "pull Ollama's duration_ns fields into a fixed
// ProviderMetrics struct" to "pull an operator-defined field set into a
// generic metadata map", since providers in this system aren't limited to
// one vendor's response shape.
package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/lunaroute/lunaroute/internal/logger"
	"github.com/lunaroute/lunaroute/pkg/pool"
)

// extractionTimeout bounds how long a pathological JSONPath expression (or
// a huge response body) may delay the request path; extraction is
// best-effort and must never be the reason a request is slow.
const extractionTimeout = 10 * time.Millisecond

// Extractor evaluates a small set of named JSONPath expressions against a
// response body, returning whatever subset resolves.
type Extractor struct {
	jsonPool *pool.Pool[*any]
	pathOK   *xsync.Map[string, bool]
	log      *logger.StyledLogger
}

func NewExtractor(log *logger.StyledLogger) *Extractor {
	return &Extractor{
		jsonPool: pool.NewLitePool(func() *any {
			var v any
			return &v
		}),
		pathOK: xsync.NewMap[string, bool](),
		log:    log,
	}
}

// Extract applies each field->JSONPath pair in paths against body and
// returns the values that resolved, or nil if none did. Runs under a hard
// timeout with panic recovery so a misconfigured expression can never
// stall or crash the caller.
func (e *Extractor) Extract(ctx context.Context, providerID string, body []byte, paths map[string]string) map[string]any {
	if len(body) == 0 || len(paths) == 0 {
		return nil
	}

	extractCtx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	done := make(chan map[string]any, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if e.log != nil {
					e.log.Debug("metrics extraction panic recovered", "provider", providerID, "error", r)
				}
				done <- nil
			}
		}()
		done <- e.doExtract(body, paths)
	}()

	select {
	case result := <-done:
		return result
	case <-extractCtx.Done():
		if e.log != nil {
			e.log.Debug("metrics extraction timed out", "provider", providerID)
		}
		return nil
	}
}

func (e *Extractor) doExtract(body []byte, paths map[string]string) map[string]any {
	parsed := e.jsonPool.Get()
	defer func() {
		*parsed = nil
		e.jsonPool.Put(parsed)
	}()

	if err := json.Unmarshal(body, parsed); err != nil {
		return nil
	}

	out := make(map[string]any, len(paths))
	for field, path := range paths {
		if path == "" {
			continue
		}
		if known, seen := e.pathOK.Load(path); seen && !known {
			continue
		}
		value, err := jsonpath.Get(path, *parsed)
		if err != nil {
			e.pathOK.Store(path, false)
			continue
		}
		e.pathOK.Store(path, true)
		out[field] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
