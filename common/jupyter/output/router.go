package output

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
)

const (
	// MaxStreamChars bounds a single stream chunk regardless of how much
	// the kernel emits.
	MaxStreamChars = 1_000_000

	// TruncationMarker is appended to a stream chunk that was cut at
	// MaxStreamChars.
	TruncationMarker = "[Output truncated]"
)

// Bridge-side traceback lines contain these markers; they are stripped so
// callers only ever see guest-language frames.
var hostFrameMarkers = []string{
	"pyodide.",
	"/kernel-bridge/",
	"goroutine ",
}

// Router classifies raw kernel events into the output taxonomy, suppresses
// duplicate rich emissions, and truncates oversized stream chunks.
//
// The same rich payload can legitimately arrive twice for one execution:
// once through the explicit display publisher and once through the implicit
// last-expression result hook. The router keeps the hash of the most recent
// rich payload per execution and drops an immediate identical repeat.
type Router struct {
	log logger.Logger

	mu sync.Mutex

	// lastRichHash maps an execution's msg_id to the hash of the most
	// recently emitted DisplayData/ExecuteResult payload.
	lastRichHash map[string]string
}

func NewRouter() *Router {
	router := &Router{
		lastRichHash: make(map[string]string),
	}
	config.InitLogger(&router.log, "OutputRouter ")
	return router
}

// RouteStream returns the stream event for the given chunk, truncated if the
// chunk exceeds MaxStreamChars.
func (r *Router) RouteStream(executionID string, name string, text string) *Stream {
	if len(text) > MaxStreamChars {
		r.log.Warn("Truncating %d-character %s chunk for execution %s.", len(text), name, executionID)
		text = text[:MaxStreamChars] + TruncationMarker
	}
	return &Stream{Name: name, Text: text}
}

// RouteDisplayData returns a display-data event, or nil if the payload is an
// immediate duplicate of the last rich emission for this execution.
func (r *Router) RouteDisplayData(executionID string, data map[string]interface{}, metadata map[string]interface{}) *DisplayData {
	if r.suppress(executionID, data) {
		return nil
	}
	return &DisplayData{Data: data, Metadata: metadata}
}

// RouteExecuteResult returns an execute-result event, or nil if the payload
// is an immediate duplicate of the last rich emission for this execution.
func (r *Router) RouteExecuteResult(executionID string, data map[string]interface{}, metadata map[string]interface{}) *ExecuteResult {
	if r.suppress(executionID, data) {
		return nil
	}
	return &ExecuteResult{Data: data, Metadata: metadata}
}

// RouteError returns a structured error event with host-side traceback
// lines removed.
func (r *Router) RouteError(name string, message string, traceback []string) *Error {
	return &Error{
		Name:      name,
		Message:   message,
		Traceback: ScrubTraceback(traceback),
	}
}

// Forget drops the dedup state for a finished execution.
func (r *Router) Forget(executionID string) {
	r.mu.Lock()
	delete(r.lastRichHash, executionID)
	r.mu.Unlock()
}

func (r *Router) suppress(executionID string, data map[string]interface{}) bool {
	hash := payloadHash(data)

	r.mu.Lock()
	defer r.mu.Unlock()

	if previous, emitted := r.lastRichHash[executionID]; emitted && previous == hash {
		r.log.Debug("Suppressing duplicate rich output for execution %s.", executionID)
		return true
	}
	r.lastRichHash[executionID] = hash
	return false
}

// payloadHash produces a stable digest of a mime bundle. encoding/json
// serializes map keys in sorted order, so equal bundles hash equally.
func payloadHash(data map[string]interface{}) string {
	serialized, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	digest := sha256.Sum256(serialized)
	return hex.EncodeToString(digest[:])
}

// ScrubTraceback removes traceback lines produced by the bridge process,
// keeping only guest-language frames.
func ScrubTraceback(traceback []string) []string {
	scrubbed := make([]string, 0, len(traceback))
	for _, line := range traceback {
		if isHostFrame(line) {
			continue
		}
		scrubbed = append(scrubbed, line)
	}
	return scrubbed
}

func isHostFrame(line string) bool {
	for _, marker := range hostFrameMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}
