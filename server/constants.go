package server

import "github.com/dotside-studios/davi-scan-agent/buildinfo"

// mDNS service discovery constants
var (
	MDNSServiceType = "_scan-agent._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, POST, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization"
)

// API routes
const (
	RouteHealth = "/api/v1/health"
	RouteStatus = "/api/v1/status"
	RouteCA     = "/ca.pem"
	RouteWS     = "/ws"
)
