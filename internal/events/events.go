package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 入站事件先解出信封再按类型解到具体结构体，网关对返回的具体类型做
// 穷尽 switch，未知类型在 Decode 阶段即被拒绝，不会落进字符串分支。

var ErrUnknownType = errors.New("unknown event type")

type envelope struct {
	Type string `json:"type"`
}

// ---- inbound ----

type JoinRoom struct {
	RoomID string `json:"room_id"`
}

type LeaveRoom struct {
	RoomID string `json:"room_id"`
}

type SendMessage struct {
	RoomID           string  `json:"room_id"`
	EncryptedContent string  `json:"encrypted_content"`
	ContentHash      string  `json:"content_hash"`
	MessageType      string  `json:"message_type"`
	ReplyTo          *string `json:"reply_to,omitempty"`
}

type EditMessage struct {
	MessageID        string `json:"message_id"`
	EncryptedContent string `json:"encrypted_content"`
	ContentHash      string `json:"content_hash"`
}

type DeleteMessage struct {
	MessageID string `json:"message_id"`
}

type TypingStart struct {
	RoomID string `json:"room_id"`
}

type TypingStop struct {
	RoomID string `json:"room_id"`
}

type MarkRead struct {
	MessageIDs []string `json:"message_ids"`
}

type Heartbeat struct{}

// Decode 解析入站事件并做结构校验：必填字段缺失或为错误类型时返回
// 客户端可见的错误，绝不落库、绝不崩溃。
func Decode(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	switch env.Type {
	case "join_room":
		var ev JoinRoom
		if err := json.Unmarshal(data, &ev); err != nil || ev.RoomID == "" {
			return nil, errors.New("join_room requires room_id")
		}
		return ev, nil
	case "leave_room":
		var ev LeaveRoom
		if err := json.Unmarshal(data, &ev); err != nil || ev.RoomID == "" {
			return nil, errors.New("leave_room requires room_id")
		}
		return ev, nil
	case "send_message":
		var ev SendMessage
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, errors.New("malformed send_message")
		}
		if ev.RoomID == "" || ev.EncryptedContent == "" || ev.ContentHash == "" {
			return nil, errors.New("send_message requires room_id, encrypted_content and content_hash")
		}
		if ev.MessageType == "" {
			ev.MessageType = "text"
		}
		return ev, nil
	case "edit_message":
		var ev EditMessage
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, errors.New("malformed edit_message")
		}
		if ev.MessageID == "" || ev.EncryptedContent == "" || ev.ContentHash == "" {
			return nil, errors.New("edit_message requires message_id, encrypted_content and content_hash")
		}
		return ev, nil
	case "delete_message":
		var ev DeleteMessage
		if err := json.Unmarshal(data, &ev); err != nil || ev.MessageID == "" {
			return nil, errors.New("delete_message requires message_id")
		}
		return ev, nil
	case "typing_start":
		var ev TypingStart
		if err := json.Unmarshal(data, &ev); err != nil || ev.RoomID == "" {
			return nil, errors.New("typing_start requires room_id")
		}
		return ev, nil
	case "typing_stop":
		var ev TypingStop
		if err := json.Unmarshal(data, &ev); err != nil || ev.RoomID == "" {
			return nil, errors.New("typing_stop requires room_id")
		}
		return ev, nil
	case "mark_read":
		var ev MarkRead
		if err := json.Unmarshal(data, &ev); err != nil || len(ev.MessageIDs) == 0 {
			return nil, errors.New("mark_read requires message_ids")
		}
		return ev, nil
	case "heartbeat":
		return Heartbeat{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// ---- outbound ----

// MessageDTO 是消息在 WS 与 REST 边界上的统一表示。
// 已删除的消息以墓碑形式出现：密文与哈希为空、is_deleted 为真。
type MessageDTO struct {
	MessageID        string    `json:"message_id"`
	RoomID           string    `json:"room_id"`
	OrderKey         int64     `json:"order_key"`
	SenderID         uint      `json:"sender_id"`
	SenderUsername   string    `json:"sender_username"`
	MessageType      string    `json:"message_type"`
	EncryptedContent string    `json:"encrypted_content"`
	ContentHash      string    `json:"content_hash"`
	Timestamp        time.Time `json:"timestamp"`
	IsEdited         bool      `json:"is_edited"`
	IsDeleted        bool      `json:"is_deleted"`
	ReplyTo          *string   `json:"reply_to"`
}

func marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// 出站事件全部由本包构造，序列化失败属编程错误。
		panic(err)
	}
	return b
}

func NewMessage(m MessageDTO) []byte {
	return marshal(struct {
		Type    string     `json:"type"`
		Message MessageDTO `json:"message"`
	}{"new_message", m})
}

func MessageEdited(m MessageDTO) []byte {
	return marshal(struct {
		Type    string     `json:"type"`
		Message MessageDTO `json:"message"`
	}{"message_edited", m})
}

func MessageDeleted(roomID, messageID string, deletedBy uint) []byte {
	return marshal(struct {
		Type      string `json:"type"`
		RoomID    string `json:"room_id"`
		MessageID string `json:"message_id"`
		DeletedBy uint   `json:"deleted_by"`
	}{"message_deleted", roomID, messageID, deletedBy})
}

func UserJoined(roomID string, userID uint, username string) []byte {
	return marshal(struct {
		Type     string `json:"type"`
		RoomID   string `json:"room_id"`
		UserID   uint   `json:"user_id"`
		Username string `json:"username"`
	}{"user_joined", roomID, userID, username})
}

func UserLeft(roomID string, userID uint, username string) []byte {
	return marshal(struct {
		Type     string `json:"type"`
		RoomID   string `json:"room_id"`
		UserID   uint   `json:"user_id"`
		Username string `json:"username"`
	}{"user_left", roomID, userID, username})
}

func TypingIndicator(roomID string, userID uint, username string, isTyping bool) []byte {
	return marshal(struct {
		Type     string `json:"type"`
		RoomID   string `json:"room_id"`
		UserID   uint   `json:"user_id"`
		Username string `json:"username"`
		IsTyping bool   `json:"is_typing"`
	}{"typing_indicator", roomID, userID, username, isTyping})
}

func PresenceChanged(userID uint, username, status string) []byte {
	return marshal(struct {
		Type     string `json:"type"`
		UserID   uint   `json:"user_id"`
		Username string `json:"username"`
		Status   string `json:"status"`
	}{"presence", userID, username, status})
}

func ReceiptUpdate(roomID string, messageIDs []string, userID uint, status string) []byte {
	return marshal(struct {
		Type       string   `json:"type"`
		RoomID     string   `json:"room_id"`
		MessageIDs []string `json:"message_ids"`
		UserID     uint     `json:"user_id"`
		Status     string   `json:"status"`
	}{"receipt_update", roomID, messageIDs, userID, status})
}

// 错误码按失败原因分类，客户端据此分流处理；
// integrity 单独成类，用于提示可能的篡改或传输缺陷。
const (
	CodeInvalidPayload = "invalid_payload"
	CodeForbidden      = "forbidden"
	CodeIntegrity      = "integrity_check_failed"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal_error"
)

func Error(code, message string) []byte {
	return marshal(struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}{"error", code, message})
}
