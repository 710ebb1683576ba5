package renderertest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/guseggert/goplotly/browser"
	inet "github.com/guseggert/goplotly/internal/net"
	"github.com/guseggert/goplotly/rpc"
	"github.com/guseggert/goplotly/value"
	"nhooyr.io/websocket"
)

// devTools imitates the browser's remote debugging endpoint, enough for browser.DevTools to find the
// page target and change its download directory.
type devTools struct {
	srv  *httptest.Server
	port int
}

func newDevTools(r *Renderer) *devTools {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	d := &devTools{srv: srv}
	d.port, _ = inet.PortOf(srv.Listener.Addr())

	mux.HandleFunc("/json/version", func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(browser.VersionInfo{Browser: "renderertest/1.0"})
	})
	mux.HandleFunc("/json", func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode([]browser.Target{{
			ID:                   "page",
			Type:                 "page",
			WebSocketDebuggerURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/devtools/page/page",
		}})
	})
	mux.HandleFunc("/devtools/page/page", func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		rpc.NewChannel(conn,
			rpc.WithoutVersion(),
			rpc.WithLogger(r.log.Named("devtools")),
			rpc.WithHandler("Page.setDownloadBehavior", func(ctx context.Context, params value.Value) (value.Value, error) {
				dirVal, _ := params.Get("downloadPath")
				dir, _ := dirVal.AsString()
				r.setDownloadDir(dir)
				return value.Object(), nil
			}),
		)
	})
	return d
}

func (d *devTools) close() {
	d.srv.Close()
}
