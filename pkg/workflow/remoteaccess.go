package workflow

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// actionRemoteAccess bridges a cloud websocket session onto a local TCP
// service (typically ssh on 127.0.0.1:22). The session ends when either
// side closes or the workflow is cancelled
func actionRemoteAccess(ctx context.Context, _ *Services, params map[string]any) (*ScriptResult, error) {
	host := stringParam(params, "host")
	port := stringParam(params, "port")
	key := stringParam(params, "connectionKey")
	if host == "" || port == "" || key == "" {
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": "missing host, port or connectionKey"}}, nil
	}

	endpoint := fmt.Sprintf("wss://%s/service/remoteaccess/device/%s", host, key)
	conn, response, err := websocket.DefaultDialer.DialContext(ctx, endpoint, http.Header{})
	if err != nil {
		reason := err.Error()
		if response != nil {
			reason = fmt.Sprintf("%s (status %d)", reason, response.StatusCode)
		}
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": reason}}, nil
	}
	defer conn.Close()

	var dialer net.Dialer
	local, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": err.Error()}}, nil
	}
	defer local.Close()

	done := make(chan error, 2)
	go func() {
		done <- copyWebsocketToTCP(conn, local)
	}()
	go func() {
		done <- copyTCPToWebsocket(local, conn)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, io.EOF) {
			return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": err.Error()}}, nil
		}
	}
	return &ScriptResult{Condition: ConditionSuccess, Output: map[string]any{}}, nil
}

func copyWebsocketToTCP(conn *websocket.Conn, local net.Conn) error {
	for {
		_, reader, err := conn.NextReader()
		if err != nil {
			return err
		}
		if _, err := io.Copy(local, reader); err != nil {
			return err
		}
	}
}

func copyTCPToWebsocket(local net.Conn, conn *websocket.Conn) error {
	buffer := make([]byte, 32*1024)
	for {
		n, err := local.Read(buffer)
		if n > 0 {
			if err := conn.WriteMessage(websocket.BinaryMessage, buffer[:n]); err != nil {
				return err
			}
		}
		if err != nil {
			return err
		}
	}
}
