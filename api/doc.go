// Package api exposes the daemon's control operations to local clients.
//
// Transport
//
// The server speaks HTTP/1.1 over a unix socket created with mode 0600, so
// only the user running the daemon can control it. All routes are
// versioned under /v1.
//
// Error Model
//
// Every operation answers with the common.Result envelope
// {success, message|error, warnings, data}. Failed operations use status
// 500, malformed requests 400.
//
// Endpoints
//
//   - GET  /v1/healthz
//   - GET  /v1/servers
//   - POST /v1/select-server, /v1/test-servers
//   - POST /v1/connect, /v1/disconnect
//   - GET  /v1/status
//   - POST /v1/killswitch/{enable,disable}, GET /v1/killswitch/status
//   - POST /v1/splittunnel/{enable,disable,add-domain,remove-domain,add-app,remove-app}
//   - GET  /v1/splittunnel/config
//   - GET  /v1/history?limit=N
//   - GET  /v1/events?types=a,b (server-sent events)
//   - GET  /v1/metrics (Prometheus exposition)
package api
