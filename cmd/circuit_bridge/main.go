package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/circuitide/circuit/config"
	"github.com/circuitide/circuit/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inboundFrame is one JSON message from a websocket client.
type inboundFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	ID       string `json:"id,omitempty"`
	Approved bool   `json:"approved,omitempty"`
}

func main() {
	addrFlag := flag.String("addr", ":8080", "HTTP listen address")
	dirFlag := flag.String("dir", "", "Working directory (defaults to the current directory)")
	flag.Parse()

	workingDir := *dirFlag
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving working directory: %v\n", err)
			os.Exit(1)
		}
		workingDir = wd
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(workingDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	svc := service.New(service.Options{
		Config:     cfg,
		WorkingDir: workingDir,
		Logger:     logger,
	})
	defer svc.Disconnect()

	if err := svc.Connect(context.Background()); err != nil {
		logger.Warn("gateway connection failed, clients will see the error in state", "error", err)
	}

	http.HandleFunc("/ws", serveWS(svc, logger))

	logger.Info("websocket bridge listening", "addr", *addrFlag, "working_dir", workingDir)
	if err := http.ListenAndServe(*addrFlag, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		os.Exit(1)
	}
}

// serveWS upgrades one connection and bridges it to the service: every
// service event is forwarded as JSON, and the client can submit send,
// confirm, and state frames.
func serveWS(svc *service.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		send := func(v any) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteJSON(v)
		}

		sub := svc.Events().Subscribe(256)
		defer svc.Events().Unsubscribe(sub)

		go func() {
			for ev := range sub.C {
				if err := send(ev); err != nil {
					return
				}
			}
		}()

		if err := send(stateFrame(svc)); err != nil {
			return
		}
		logger.Info("websocket client connected", "remote", r.RemoteAddr)

		for {
			var frame inboundFrame
			if err := conn.ReadJSON(&frame); err != nil {
				logger.Info("websocket client disconnected", "remote", r.RemoteAddr)
				return
			}
			switch frame.Type {
			case "send":
				go func(content string) {
					if _, err := svc.SendMessage(context.Background(), content); err != nil {
						logger.Warn("message rejected", "error", err)
					}
				}(frame.Content)
			case "confirm":
				if !svc.Confirm(frame.ID, frame.Approved) {
					logger.Warn("confirmation not pending", "id", frame.ID)
				}
			case "state":
				if err := send(stateFrame(svc)); err != nil {
					return
				}
			default:
				logger.Warn("unknown frame type", "type", frame.Type)
			}
		}
	}
}

// stateFrame snapshots the service into the same envelope shape as an
// event, so clients decode a single frame format.
func stateFrame(svc *service.Service) map[string]any {
	st := svc.State()
	data := map[string]any{
		"connection":     st.Connection,
		"working_dir":    st.WorkingDir,
		"model":          st.Model,
		"stream":         st.Stream,
		"auto_approve":   st.AutoApprove,
		"thinking":       st.Thinking,
		"processing":     st.Processing,
		"can_send":       st.CanSendMessage(),
		"messages":       len(st.Messages),
		"last_tokens":    st.LastTokens.Total(),
		"session_tokens": st.SessionTokens.Total(),
		"session_cost":   st.SessionCost,
	}
	if st.LastError != "" {
		data["last_error"] = st.LastError
	}
	if st.Pending != nil {
		data["pending"] = map[string]any{
			"id":        st.Pending.ID,
			"tool":      st.Pending.Tool,
			"detail":    st.Pending.Detail,
			"dangerous": st.Pending.Dangerous,
		}
	}
	return map[string]any{
		"type":      "state",
		"timestamp": time.Now().UTC(),
		"data":      data,
	}
}
