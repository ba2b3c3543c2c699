// Package gin provides billing middleware for metered APIs: each request
// must carry a payment proof from the state channel, and replayed or stale
// proofs are rejected with 402.
package gin

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	queryfi "github.com/kshitij-hash/QueryFi"
)

// ProofHeader carries the base64-encoded JSON payment proof.
const ProofHeader = "X-Payment-Proof"

// ContextProofKey is where the middleware stores the verified proof for
// downstream handlers.
const ContextProofKey = "queryfi.proof"

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

// PaymentMiddleware is the Gin middleware for a billed API. It decodes the
// payment proof header, checks it against the replay guard, and aborts with
// 402 when the proof is missing, malformed, or not strictly newer than the
// last accepted version for its session.
func PaymentMiddleware(verifier *queryfi.ProofVerifier, opts ...Options) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{
		Header: ProofHeader,
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		encoded := c.GetHeader(options.Header)
		if encoded == "" {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error": options.Header + " header is required",
			})
			return
		}

		proof, err := DecodeProofFromBase64(encoded)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error": "invalid payment proof: " + err.Error(),
			})
			return
		}

		if err := verifier.Accept(proof); err != nil {
			if errors.Is(err, queryfi.ErrProofReplayed) {
				options.Logger.Warn("payment proof rejected",
					"app_session_id", proof.AppSessionID, "version", proof.Version)
				c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
					"error": "payment proof replayed or stale",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error": "payment proof rejected: " + err.Error(),
			})
			return
		}

		c.Set(ContextProofKey, proof)
		c.Next()
	}
}

// EncodeProofToBase64 renders a proof for the header.
func EncodeProofToBase64(proof queryfi.PaymentProof) (string, error) {
	payload, err := json.Marshal(proof)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecodeProofFromBase64 parses a proof from the header value.
func DecodeProofFromBase64(encoded string) (queryfi.PaymentProof, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return queryfi.PaymentProof{}, errors.New("proof is not valid base64")
	}
	var proof queryfi.PaymentProof
	if err := json.Unmarshal(payload, &proof); err != nil {
		return queryfi.PaymentProof{}, errors.New("proof is not valid JSON")
	}
	return proof, nil
}
