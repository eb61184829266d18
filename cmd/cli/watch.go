package main

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/thereceipt/printlink/internal/tui"
)

type wsMessage struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

// wsURL maps the server URL onto its event stream endpoint.
func wsURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String(), nil
}

func runWatch(serverURL string) error {
	endpoint, err := wsURL(serverURL)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	defer conn.Close()

	// Commands are written from bubbletea goroutines; gorilla allows one writer
	var writeMu sync.Mutex
	send := func(cmd string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(wsMessage{Event: "command", Data: map[string]interface{}{"command": cmd}})
	}

	model := tui.NewWatch(serverURL, send)
	p := tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				p.Send(tui.StreamClosedMsg{Err: err})
				return
			}
			p.Send(tui.EventMsg{Event: msg.Event, Data: msg.Data})
		}
	}()

	if _, err := p.Run(); err != nil {
		return err
	}
	if err := model.Err(); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return fmt.Errorf("event stream: %w", err)
	}
	return nil
}
