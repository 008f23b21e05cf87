// Package server exposes the dispatcher over HTTP: enqueue, dequeue,
// ack/nack, visibility extension, and metrics, behind JWT auth and an
// IP-keyed rate limit (spec §3's client-facing surface, generalized from
// the teacher's chi-based router).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"

	"ratequeue/internal/dispatcher"
	"ratequeue/internal/log"
	"ratequeue/internal/queue"
	"ratequeue/internal/ratelimiter"
)

type claimsKey struct{}

// SetupRouter wires every dispatcher operation onto r. limiter is the
// rate-limiter collaborator Dequeue consults; production deployments
// pass in a real implementation of ratelimiter.RateLimiter, the demo
// command passes ratelimiter.AllowAll().
func SetupRouter(r *chi.Mux, d *dispatcher.Dispatcher, limiter ratelimiter.RateLimiter, jwtSecret string, logger *log.Logger) {
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(jwtSecret, logger))

		r.Post("/enqueue", func(w http.ResponseWriter, r *http.Request) {
			var req queue.Request
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Errorw("failed to decode enqueue request", "error", err)
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			if !req.Priority.Valid() {
				req.Priority = queue.Normal
			}
			msg, err := d.Enqueue(r.Context(), req)
			if err != nil {
				logger.Errorw("enqueue failed", "error", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, msg)
		})

		r.Post("/enqueue/batch", func(w http.ResponseWriter, r *http.Request) {
			var reqs []queue.Request
			if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
				logger.Errorw("failed to decode batch enqueue request", "error", err)
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			for i := range reqs {
				if !reqs[i].Priority.Valid() {
					reqs[i].Priority = queue.Normal
				}
			}
			msgs, err := d.BatchEnqueue(r.Context(), reqs)
			if err != nil {
				logger.Errorw("batch enqueue failed", "error", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, msgs)
		})

		r.Post("/dequeue", func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			msg, err := d.Dequeue(r.Context(), limiter)
			if err != nil {
				if err == dispatcher.ErrQueueEmpty {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				logger.Errorw("dequeue failed", "error", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			logger.Infow("dispatched message", "messageId", msg.Message.ID, "score", msg.Score.Total, "duration", time.Since(start))
			writeJSON(w, logger, dequeueResponse{
				Message:       msg.Message,
				Score:         msg.Score,
				ReceiptHandle: msg.Message.Attributes.ReceiptHandle,
			})
		})

		r.Post("/ack", func(w http.ResponseWriter, r *http.Request) {
			handleTerminalOp(w, r, d, logger, func(ctx context.Context, d *dispatcher.Dispatcher, req handleRequest) error {
				return d.MarkAsProcessed(ctx, req.ReceiptHandle, req.TokensUsed)
			})
		})

		r.Post("/nack", func(w http.ResponseWriter, r *http.Request) {
			handleTerminalOp(w, r, d, logger, func(ctx context.Context, d *dispatcher.Dispatcher, req handleRequest) error {
				return d.MarkAsFailed(ctx, req.ReceiptHandle)
			})
		})

		r.Post("/extend", func(w http.ResponseWriter, r *http.Request) {
			var req extendRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			if err := d.UpdateVisibility(r.Context(), req.ReceiptHandle, time.Duration(req.TimeoutMS)*time.Millisecond); err != nil {
				logger.Errorw("extend visibility failed", "error", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Write([]byte("OK"))
		})

		r.Get("/metrics/queue", func(w http.ResponseWriter, r *http.Request) {
			snapshot, err := d.GetQueueMetrics(r.Context())
			if err != nil {
				logger.Errorw("get queue metrics failed", "error", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, snapshot)
		})

		r.Post("/purge", func(w http.ResponseWriter, r *http.Request) {
			if err := d.Purge(r.Context()); err != nil {
				logger.Errorw("purge failed", "error", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Write([]byte("OK"))
		})
	})
}

type dequeueResponse struct {
	Message       queue.Message `json:"message"`
	Score         queue.Score   `json:"score"`
	ReceiptHandle string        `json:"receiptHandle"`
}

type handleRequest struct {
	ReceiptHandle string `json:"receiptHandle"`
	TokensUsed    int    `json:"tokensUsed,omitempty"`
}

type extendRequest struct {
	ReceiptHandle string `json:"receiptHandle"`
	TimeoutMS     int64  `json:"timeoutMs"`
}

func handleTerminalOp(w http.ResponseWriter, r *http.Request, d *dispatcher.Dispatcher, logger *log.Logger, op func(context.Context, *dispatcher.Dispatcher, handleRequest) error) {
	var req handleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), d, req); err != nil {
		logger.Errorw("terminal operation failed", "receiptHandle", req.ReceiptHandle, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Errorw("missing authorization token")
				http.Error(w, "missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Errorw("invalid JWT token", "error", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

