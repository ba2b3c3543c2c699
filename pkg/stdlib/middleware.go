// Package stdlib provides the net/http variant of the payment-proof
// billing middleware, for services that do not use a web framework.
package stdlib

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	queryfi "github.com/kshitij-hash/QueryFi"
	ginmw "github.com/kshitij-hash/QueryFi/pkg/gin"
)

type contextKey struct{}

// ProofContextKey is where the verified proof is stored on the request
// context.
var ProofContextKey contextKey

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Header string
	Logger *slog.Logger
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithHeader overrides the proof header name.
func WithHeader(header string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Header = header
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Logger = logger
	}
}

// PaymentMiddleware wraps next with payment-proof verification: requests
// without a fresh proof are answered with 402.
func PaymentMiddleware(verifier *queryfi.ProofVerifier, next http.Handler, opts ...Options) http.Handler {
	options := &PaymentMiddlewareOptions{
		Header: ginmw.ProofHeader,
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoded := r.Header.Get(options.Header)
		if encoded == "" {
			writePaymentRequired(w, options.Header+" header is required")
			return
		}

		proof, err := ginmw.DecodeProofFromBase64(encoded)
		if err != nil {
			writePaymentRequired(w, "invalid payment proof: "+err.Error())
			return
		}

		if err := verifier.Accept(proof); err != nil {
			if errors.Is(err, queryfi.ErrProofReplayed) {
				options.Logger.Warn("payment proof rejected",
					"app_session_id", proof.AppSessionID, "version", proof.Version)
				writePaymentRequired(w, "payment proof replayed or stale")
				return
			}
			writePaymentRequired(w, "payment proof rejected: "+err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithProof(r.Context(), proof)))
	})
}

// WithProof attaches a verified proof to the context.
func WithProof(ctx context.Context, proof queryfi.PaymentProof) context.Context {
	return context.WithValue(ctx, ProofContextKey, proof)
}

// ProofFromContext returns the verified proof set by the middleware.
func ProofFromContext(ctx context.Context) (queryfi.PaymentProof, bool) {
	proof, ok := ctx.Value(ProofContextKey).(queryfi.PaymentProof)
	return proof, ok
}

func writePaymentRequired(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
