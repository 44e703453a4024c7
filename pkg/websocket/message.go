// pkg/websocket/message.go
package websocket

import (
	"encoding/json"
	"time"
)

// Message WebSocket 消息
type Message struct {
	// Type 消息类型
	Type MessageType `json:"type"`
	// Data 消息数据
	Data []byte `json:"data"`
	// Timestamp 接收/创建时间
	Timestamp time.Time `json:"timestamp"`
}

// NewTextMessage 创建文本消息
func NewTextMessage(data []byte) *Message {
	return &Message{
		Type:      MessageTypeText,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewTextMessageString 创建文本消息（字符串）
func NewTextMessageString(data string) *Message {
	return NewTextMessage([]byte(data))
}

// NewBinaryMessage 创建二进制消息
func NewBinaryMessage(data []byte) *Message {
	return &Message{
		Type:      MessageTypeBinary,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewJSONMessage 创建 JSON 文本消息
func NewJSONMessage(v interface{}) (*Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return NewTextMessage(data), nil
}

// DecodeJSON 反序列化 JSON 消息数据
func (m *Message) DecodeJSON(v interface{}) error {
	return json.Unmarshal(m.Data, v)
}

// String 返回消息数据的字符串表示
func (m *Message) String() string {
	return string(m.Data)
}

// Len 返回消息数据长度
func (m *Message) Len() int {
	return len(m.Data)
}
