package status

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// クロスオリジン制御はCORSミドルウェア側の責務とし、ここでは許可します。
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// clientFrame は購読クライアントから受信するフレームです。
type clientFrame struct {
	Type string `json:"type"`
}

// StreamHandler は GET /index/status/:task_id/stream のWebSocketハンドラーを返します。
//
// 接続直後に initial_status（タスク未知の場合は error を送って切断）、以降は
// 状態が変わるたびに status_update を送ります。クライアントの ping には pong で
// 応答し、受信が heartbeatInterval の間途絶えた場合は heartbeat を送って
// 片側切断を検出します。配信はベストエフォートで、切断中のメッセージは失われます。
func StreamHandler(manager *UpdateManager, hub *Hub, heartbeatInterval time.Duration, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		taskID := strings.TrimSpace(c.Param("task_id"))

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade失敗時は gorilla 側がHTTPエラーを返済みです。
			log.Debug("WebSocketアップグレードに失敗しました", zap.Error(err))
			return
		}
		defer conn.Close()

		record, err := manager.Get(c.Request.Context(), taskID)
		if err != nil || record == nil {
			msg := "指定されたタスクは存在しません。"
			if err != nil {
				msg = "タスク情報の取得に失敗しました。"
				log.Warn("ストリーム開始時のタスク取得に失敗しました",
					zap.String("task_id", taskID), zap.Error(err))
			}
			_ = writeFrame(conn, Message{Type: MessageError, Message: msg})
			return
		}

		if err := writeFrame(conn, Message{
			Type:      MessageInitialStatus,
			Data:      record,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			return
		}

		sub := hub.Subscribe(taskID)
		defer hub.Unsubscribe(taskID, sub)

		// 受信ループは別ゴルーチンで回し、クライアント発フレームと切断を通知します。
		done := make(chan struct{})
		defer close(done)
		inbound := make(chan clientFrame)
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var frame clientFrame
				if err := json.Unmarshal(data, &frame); err != nil {
					continue
				}
				select {
				case inbound <- frame:
				case <-done:
					return
				}
			}
		}()

		heartbeat := time.NewTimer(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case message, ok := <-sub.C:
				if !ok {
					// Hub側で購読解除された（配信不能と判定された）
					return
				}
				if err := writeFrame(conn, message); err != nil {
					return
				}

			case frame := <-inbound:
				// クライアントからの受信があったのでハートビートを仕切り直します。
				if !heartbeat.Stop() {
					select {
					case <-heartbeat.C:
					default:
					}
				}
				heartbeat.Reset(heartbeatInterval)

				if frame.Type == MessagePing {
					if err := writeFrame(conn, Message{
						Type:      MessagePong,
						Timestamp: time.Now().UTC().Format(time.RFC3339),
					}); err != nil {
						return
					}
				}

			case <-heartbeat.C:
				if err := writeFrame(conn, Message{
					Type:      MessageHeartbeat,
					Timestamp: time.Now().UTC().Format(time.RFC3339),
				}); err != nil {
					return
				}
				heartbeat.Reset(heartbeatInterval)

			case <-readerDone:
				// クライアント切断。即座に購読解除します（defer）。
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, message Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(message)
}
