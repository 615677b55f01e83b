// Package httputil provides JSON response helpers, request parsing and the
// common HTTP middleware used by the service.
//
//	router.Use(httputil.RequestIDMiddleware)
//	router.Use(httputil.LoggingMiddleware(logger))
//	router.Use(httputil.RecoveryMiddleware(logger))
//
// Error bodies always have the shape {"error": "...", "details": {...}}.
package httputil
