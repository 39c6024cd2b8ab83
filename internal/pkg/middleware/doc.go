// Package middleware holds HTTP middleware shared by the server routes.
// RateLimiter throttles each client with its own token bucket and answers
// 429 with a Retry-After hint once the bucket is empty.
package middleware
