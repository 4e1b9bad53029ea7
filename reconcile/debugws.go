package reconcile

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marzneshin/marznode/logger"
)

// debugLogUpgrader upgrades an HTTP connection to a websocket for the
// debug log bridge below. Origin checking is intentionally permissive:
// this endpoint is meant for local tooling (a CLI or browser tab on the
// same host as the agent), never exposed past the controller's mTLS
// boundary.
var debugLogUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// debugWSWriteTimeout bounds each frame write so a stalled local client
// can't pin the subscriber goroutine open indefinitely.
const debugWSWriteTimeout = 5 * time.Second

// DebugLogHandler mirrors StreamBackendLogs over a local websocket
// connection, for tooling that wants to tail a backend's logs without
// going through the controller's gRPC channel (e.g. a sibling CLI
// attached to the same host). It takes the same backendName/includeBuffer
// parameters as the gRPC RPC and reuses the identical subscription path,
// so there is exactly one log fan-out implementation underneath both
// surfaces.
func (s *Service) DebugLogHandler(backendName string, includeBuffer bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := debugLogUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warningf("debug log websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		err = s.StreamBackendLogs(r.Context(), backendName, includeBuffer, func(line string) error {
			conn.SetWriteDeadline(time.Now().Add(debugWSWriteTimeout))
			return conn.WriteMessage(websocket.TextMessage, []byte(line))
		})
		if err != nil {
			logger.Warningf("debug log websocket stream for %q ended: %v", backendName, err)
		}
	}
}
