// Package api hosts the control-plane HTTP server. Notable routes, each
// mounted both under /api and at the root:
//   - POST /crawler/start, /crawler/stop and GET /crawler/status, /crawler/logs.
//   - GET /ws/logs and /ws/status for live websocket streams.
//   - POST /sms for the SMS-forwarding webhook.
//   - GET /data/files for browsing harvested output.
//
// GET /healthz and /metrics live at the root only.
package api
