package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyHeader = "Idempotency-Key"
	// How long the in-progress lock is held before a crashed handler stops
	// blocking retries of the same key.
	provisionalLockTTL = 60 * time.Second
)

type idempotencyEntry struct {
	InProgress bool        `json:"inProgress"`
	Code       int         `json:"code"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body"`
	BodySHA256 string      `json:"bodySha256"`
	CreatedAt  time.Time   `json:"createdAt"`
}

type responseRecorder struct {
	http.ResponseWriter
	buf  *bytes.Buffer
	code int
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// IdempotencyMiddleware dedupes mutating requests keyed on method, path and
// the Idempotency-Key header. The first request with a given key takes a
// provisional lock in Redis; while the lock is held concurrent retries get
// 409, and once the handler finishes the stored response is replayed for the
// TTL window. Requests without the header pass through untouched.
func IdempotencyMiddleware(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			var body []byte
			if r.Body != nil {
				body, _ = io.ReadAll(r.Body)
			}
			r.Body = io.NopCloser(bytes.NewBuffer(body))
			sum := sha256.Sum256(body)
			bodyHash := hex.EncodeToString(sum[:])

			redisKey := fmt.Sprintf("idempotency:%s:%s:%s", r.Method, r.URL.Path, key)

			entry := idempotencyEntry{
				InProgress: true,
				BodySHA256: bodyHash,
				CreatedAt:  time.Now().UTC(),
			}
			raw, _ := json.Marshal(entry)

			acquired, err := rdb.SetNX(r.Context(), redisKey, raw, provisionalLockTTL).Result()
			if err != nil {
				logger.ErrorContext(r.Context(), "Idempotency store unavailable", "error", err)
				writeJSONError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
				return
			}

			if !acquired {
				stored, err := rdb.Get(r.Context(), redisKey).Bytes()
				if err != nil {
					logger.ErrorContext(r.Context(), "Failed to load idempotency entry", "key", redisKey, "error", err)
					writeJSONError(w, http.StatusConflict, "request is already in progress")
					return
				}

				var cur idempotencyEntry
				if err := json.Unmarshal(stored, &cur); err != nil {
					logger.ErrorContext(r.Context(), "Corrupt idempotency entry", "key", redisKey, "error", err)
					writeJSONError(w, http.StatusConflict, "request is already in progress")
					return
				}

				if cur.BodySHA256 != "" && cur.BodySHA256 != bodyHash {
					writeJSONError(w, http.StatusConflict, "Idempotency-Key reused with different body")
					return
				}
				if !cur.InProgress && cur.Code != 0 {
					replayStoredResponse(w, cur)
					return
				}
				writeJSONError(w, http.StatusConflict, "request is already in progress")
				return
			}

			rec := &responseRecorder{ResponseWriter: w, buf: &bytes.Buffer{}, code: http.StatusOK}
			next.ServeHTTP(rec, r)

			final := idempotencyEntry{
				InProgress: false,
				Code:       rec.code,
				Header:     rec.Header().Clone(),
				Body:       rec.buf.Bytes(),
				BodySHA256: bodyHash,
				CreatedAt:  time.Now().UTC(),
			}
			finalRaw, _ := json.Marshal(final)
			if err := rdb.Set(r.Context(), redisKey, finalRaw, ttl).Err(); err != nil {
				logger.ErrorContext(r.Context(), "Failed to persist idempotency entry", "key", redisKey, "error", err)
			}
		})
	}
}

// replayStoredResponse restores the recorded response verbatim: headers the
// handler set (trace IDs included), status code, and body.
func replayStoredResponse(w http.ResponseWriter, cur idempotencyEntry) {
	for name, values := range cur.Header {
		w.Header()[name] = values
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(cur.Code)
	w.Write(cur.Body)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"message": message,
		},
	})
}
