// Package webhooks posts churn alerts to HTTP endpoints.
//
// Each alert batch becomes one churn.alert event, delivered to every
// configured URL. Transient failures (network errors, 429 and 5xx) are
// retried with exponential backoff; other 4xx responses fail immediately.
//
// When a secret is configured, the body is signed with HMAC-SHA256 and the
// signature is sent in X-Pulse-Signature. Receivers verify it with:
//
//	body, _ := io.ReadAll(r.Body)
//	if !webhooks.VerifySignature(body, r.Header.Get(webhooks.HeaderSignature), secret) {
//		http.Error(w, "bad signature", http.StatusUnauthorized)
//		return
//	}
package webhooks
