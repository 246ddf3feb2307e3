package status

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// メッセージ種別。ストリーミング接続上のフレームは必ずこのいずれかです。
const (
	MessageInitialStatus = "initial_status"
	MessageStatusUpdate  = "status_update"
	MessageHeartbeat     = "heartbeat"
	MessagePing          = "ping"
	MessagePong          = "pong"
	MessageError         = "error"
)

// Message はストリーミング接続で購読者へ送るフレームです。
type Message struct {
	Type      string      `json:"type"`
	Data      *TaskRecord `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// subscriberBufferSize は購読者ごとの送信バッファです。
// バッファが溢れた購読者は切断扱いで購読解除されます。
const subscriberBufferSize = 64

// Subscriber は1本のストリーミング接続を表します。
// 配信メッセージは C から受け取ります。購読解除後 C はクローズされます。
type Subscriber struct {
	C chan Message

	once sync.Once
}

func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.C)
	})
}

// Hub はタスクごとの購読者を管理し、状態更新を配信します。
// グローバル変数ではなく、サーバーの構成ルートで生成して参照渡しします。
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[*Subscriber]struct{}
	log         *zap.Logger
}

// NewHub は Hub を作成します。
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[string]map[*Subscriber]struct{}),
		log:         log,
	}
}

// Subscribe はタスクの購読を開始します。
func (h *Hub) Subscribe(taskID string) *Subscriber {
	sub := &Subscriber{C: make(chan Message, subscriberBufferSize)}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[taskID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subscribers[taskID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe は購読を解除します。購読者のチャネルはクローズされます。
// タスクの購読者がいなくなった場合、タスクのエントリ自体を削除します。
func (h *Hub) Unsubscribe(taskID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(taskID, sub)
}

// Publish はタスクの全購読者へメッセージを配信します。
// 送信できない購読者（バッファ溢れ＝切断・停止とみなす）はその場で購読解除され、
// 残りの購読者への配信は継続されます。
func (h *Hub) Publish(taskID string, message Message) {
	if message.Timestamp == "" {
		message.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[taskID]
	if !ok {
		return
	}
	for sub := range set {
		select {
		case sub.C <- message:
		default:
			h.log.Debug("応答のない購読者を切断します", zap.String("task_id", taskID))
			h.removeLocked(taskID, sub)
		}
	}
}

// SubscriberCount はタスクの現在の購読者数を返します。
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[taskID])
}

func (h *Hub) removeLocked(taskID string, sub *Subscriber) {
	set, ok := h.subscribers[taskID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	sub.close()
	if len(set) == 0 {
		delete(h.subscribers, taskID)
	}
}
