// Package middleware provides the HTTP middleware that sits in front of the
// authorization routes.
//
// # Overview
//
// Authentication happens upstream. The proxy in front of the service sets
// X-User-ID to the authenticated user; SubjectMiddleware loads that user's
// attributes and stores the resulting rbac.Subject in the request context.
// System administrators may act within a dealership by also sending
// X-Dealer-ID. Other users may only name their own dealership.
//
//	router.Use(middleware.SubjectMiddleware(store, logger))
//
// # Rate Limiting
//
// RateLimitMiddleware limits requests per subject, or per client address
// when no subject is known yet. LocalLimiter keeps token buckets in process;
// RedisLimiter shares a fixed window across instances. Both fail open.
//
//	limiter := middleware.NewRedisLimiter(redisClient, middleware.DefaultRateLimitConfig(), "")
//	check := middleware.RateLimitMiddleware(limiter, logger)
//
// # Related Packages
//
//   - pkg/rbac: Subject, enforcement and permission middleware
//   - pkg/httputil: request ids, logging and recovery middleware
package middleware
