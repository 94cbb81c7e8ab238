package collector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/libresiem/libresiem/internal/auth"
	"github.com/libresiem/libresiem/internal/bus"
	"github.com/libresiem/libresiem/internal/models"
	"github.com/libresiem/libresiem/internal/parser"
	"github.com/libresiem/libresiem/internal/ratelimit"
	"github.com/libresiem/libresiem/internal/webhooks"
)

// ScopeIngest gates the ingestion routes; ScopeAdmin gates format
// registration.
const (
	ScopeIngest = "logs:write"
	ScopeAdmin  = "admin"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// handleToken exchanges credentials for a bearer token. Issuance is
// rate limited per source IP before credentials are even looked at.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.allow(w, r, "token", ip, s.cfg.RateLimit.TokenPerIPPerMinute) {
		return
	}

	username, password, err := credentials(r)
	if err != nil || username == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	token, claims, err := s.gate.IssueToken(r.Context(), username, password, ip)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrAccountLocked):
		s.countAuthFailure("locked")
		writeError(w, http.StatusTooManyRequests, "account temporarily locked")
		return
	case errors.Is(err, auth.ErrAccountDisabled):
		s.countAuthFailure("disabled")
		writeError(w, http.StatusForbidden, "account disabled")
		return
	default:
		s.countAuthFailure("credentials")
		writeError(w, http.StatusUnauthorized, "incorrect username or password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   claims.ExpiresAt - claims.IssuedAt,
	})
}

// credentials reads username/password from a form post or a JSON body.
func credentials(r *http.Request) (string, string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return "", "", err
		}
		return r.PostFormValue("username"), r.PostFormValue("password"), nil
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", "", err
	}
	return req.Username, req.Password, nil
}

// handleIngest accepts one structured event.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authorize(w, r, ScopeIngest)
	if !ok {
		return
	}
	ip := clientIP(r)
	if !s.allow(w, r, "ingest", ip, s.cfg.RateLimit.TypedPerIPPerMinute) {
		return
	}
	if !s.allow(w, r, "user-events", claims.Subject, s.cfg.RateLimit.UserRateLimit(claims.Subject)) {
		return
	}

	var event models.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if err := event.Validate(); err != nil {
		s.countRejected("validation")
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	event.Normalize(time.Now().UTC())

	if !s.publish(r.Context(), w, &event, "ingest") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type batchItemResult struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// handleIngestBatch accepts up to the batch cap and reports a per-event
// outcome; a bad event never blocks its siblings.
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authorize(w, r, ScopeIngest)
	if !ok {
		return
	}
	ip := clientIP(r)
	if !s.allow(w, r, "batch", ip, s.cfg.RateLimit.BatchPerIPPerMinute) {
		return
	}
	if !s.allow(w, r, "user-batches", claims.Subject, s.cfg.RateLimit.UserBatchLimit(claims.Subject)) {
		return
	}

	var batch models.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if err := batch.Validate(); err != nil {
		s.countRejected("batch_validation")
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	// The per-user event budget is a windowed rate, so many small
	// batches count the same as one large one.
	if !s.allowN(w, r, "user-event-count", claims.Subject, len(batch.Events),
		s.cfg.RateLimit.UserEventLimit(claims.Subject)) {
		return
	}
	// Fail fast instead of half-accepting a batch the producer cannot
	// buffer.
	if len(batch.Events) > s.publisher.Headroom() {
		writeError(w, http.StatusServiceUnavailable, "ingestion queue is full, retry later")
		return
	}

	now := time.Now().UTC()
	results := make([]batchItemResult, 0, len(batch.Events))
	successful, failed := 0, 0
	for i := range batch.Events {
		event := &batch.Events[i]
		if err := event.Validate(); err != nil {
			s.countRejected("validation")
			results = append(results, batchItemResult{Index: i, Status: "failed", Detail: err.Error()})
			failed++
			continue
		}
		event.Normalize(now)

		start := time.Now()
		err := s.publisher.Publish(r.Context(), event)
		if s.metrics != nil {
			s.metrics.ObservePublish(start, err)
		}
		if err != nil {
			results = append(results, batchItemResult{Index: i, Status: "failed", Detail: publishDetail(err)})
			failed++
			continue
		}
		s.countIngested("batch")
		s.emitReceived(event)
		results = append(results, batchItemResult{Index: i, Status: "accepted"})
		successful++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"successful": successful,
		"failed":     failed,
		"results":    results,
	})
}

// handleIngestRaw parses a raw log line into an event before queueing.
func (s *Server) handleIngestRaw(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authorize(w, r, ScopeIngest)
	if !ok {
		return
	}
	ip := clientIP(r)
	if !s.allow(w, r, "raw", ip, s.cfg.RateLimit.RawPerIPPerMinute) {
		return
	}
	if !s.allow(w, r, "user-events", claims.Subject, s.cfg.RateLimit.UserRateLimit(claims.Subject)) {
		return
	}

	var req struct {
		Source    string `json:"source"`
		LogLine   string `json:"log_line"`
		Format    string `json:"format"`
		EventType string `json:"event_type"`
		Vendor    string `json:"vendor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if req.Source == "" || req.LogLine == "" {
		writeError(w, http.StatusBadRequest, "source and log_line are required")
		return
	}

	event, err := s.formats.Parse(req.LogLine, req.Format, req.Source, req.EventType, req.Vendor)
	switch {
	case err == nil:
	case errors.Is(err, parser.ErrUnknownFormat):
		s.countRejected("unknown_format")
		writeError(w, http.StatusUnprocessableEntity, "unknown log format: "+req.Format)
		return
	case errors.Is(err, parser.ErrFormatMismatch), errors.Is(err, parser.ErrUndetectable):
		s.countRejected("unparseable")
		writeError(w, http.StatusBadRequest, "log line could not be parsed")
		return
	default:
		writeError(w, http.StatusInternalServerError, "parse failure")
		return
	}

	if err := event.Validate(); err != nil {
		s.countRejected("validation")
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	event.Normalize(time.Now().UTC())

	if !s.publish(r.Context(), w, event, "raw") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "accepted",
		"format": formatUsed(req.Format, event),
	})
}

func formatUsed(requested string, event *models.Event) string {
	if requested != "" {
		return requested
	}
	if f, ok := event.Metadata["format"].(string); ok {
		return f
	}
	return "json"
}

// handleListFormats is readable with any valid token.
func (s *Server) handleListFormats(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, ""); !ok {
		return
	}
	formats := s.formats.List()
	out := make([]map[string]interface{}, 0, len(formats))
	for _, f := range formats {
		out = append(out, map[string]interface{}{
			"name":    f.Name,
			"pattern": f.Pattern,
			"fields":  f.Fields,
			"sample":  f.Sample,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"formats": out})
}

// handleRegisterFormat needs the admin scope; registrations live for
// the process lifetime.
func (s *Server) handleRegisterFormat(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, ScopeAdmin); !ok {
		return
	}

	var f parser.Format
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if err := s.formats.Register(f); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.logger.Printf("✅ registered log format %q", f.Name)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered", "name": f.Name})
}

// handleHealth reports queue headroom, store reachability and breaker
// state. Degraded still answers 200 so probes can read the detail.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]interface{}{}
	healthy := true

	if s.publisher != nil {
		headroom := s.publisher.Headroom()
		components["queue_headroom"] = headroom
		if headroom == 0 {
			healthy = false
		}
	}
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.redis.Ping(ctx)
		cancel()
		if err != nil {
			components["redis"] = "unreachable"
			healthy = false
		} else {
			components["redis"] = "ok"
		}
	}
	breakerStatus, breakers := s.breakers.HealthStatus()
	components["breakers"] = breakers
	if breakerStatus != "HEALTHY" {
		healthy = false
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// authorize validates the bearer token and required scope, writing the
// error response itself on failure.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		s.countAuthFailure("missing_token")
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}

	claims, err := s.gate.Authorize(header[len(prefix):], clientIP(r), scope)
	switch {
	case err == nil:
		return claims, true
	case errors.Is(err, auth.ErrMissingScope):
		s.countAuthFailure("scope")
		writeError(w, http.StatusForbidden, "insufficient scope")
	case errors.Is(err, auth.ErrAccountDisabled):
		s.countAuthFailure("disabled")
		writeError(w, http.StatusForbidden, "account disabled")
	default:
		s.countAuthFailure("token")
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	}
	return nil, false
}

// allow applies one rate-limit dimension, setting the X-RateLimit
// headers either way. A limiter backend failure fails open.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, dimension, subject string, limit int) bool {
	return s.allowN(w, r, dimension, subject, 1, limit)
}

// allowN counts n units against the dimension in one check.
func (s *Server) allowN(w http.ResponseWriter, r *http.Request, dimension, subject string, n, limit int) bool {
	if s.limiter == nil {
		return true
	}
	result, err := s.limiter.CheckN(r.Context(), dimension, subject, n, limit)
	if err != nil {
		s.logger.Printf("⚠️ rate limiter unavailable (%s): %v", dimension, err)
		return true
	}
	ratelimit.SetHeaders(w, result)
	if result.Allowed {
		return true
	}
	if s.metrics != nil {
		s.metrics.RateLimitHits.WithLabelValues(dimension).Inc()
	}
	w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfter(result, time.Now())))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// publish pushes the event to the bus and answers the client on error.
func (s *Server) publish(ctx context.Context, w http.ResponseWriter, event *models.Event, endpoint string) bool {
	start := time.Now()
	err := s.publisher.Publish(ctx, event)
	if s.metrics != nil {
		s.metrics.ObservePublish(start, err)
	}
	if err != nil {
		if errors.Is(err, bus.ErrBusy) {
			writeError(w, http.StatusServiceUnavailable, "ingestion queue is full, retry later")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to queue event")
		}
		return false
	}
	s.countIngested(endpoint)
	s.emitReceived(event)
	return true
}

func publishDetail(err error) string {
	if errors.Is(err, bus.ErrBusy) {
		return "ingestion queue is full"
	}
	return "failed to queue event"
}

func (s *Server) emitReceived(event *models.Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(webhooks.EventLogReceived, map[string]interface{}{
		"source":     event.Source,
		"event_type": event.EventType,
		"timestamp":  event.Timestamp,
	})
}

func (s *Server) countIngested(endpoint string) {
	if s.metrics != nil {
		s.metrics.EventsIngested.WithLabelValues(endpoint).Inc()
	}
}

func (s *Server) countRejected(reason string) {
	if s.metrics != nil {
		s.metrics.EventsRejected.WithLabelValues(reason).Inc()
	}
}

func (s *Server) countAuthFailure(kind string) {
	if s.metrics != nil {
		s.metrics.AuthFailures.WithLabelValues(kind).Inc()
	}
}
