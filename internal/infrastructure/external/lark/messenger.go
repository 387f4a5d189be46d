package lark

import (
	"context"
	"encoding/json"
	"fmt"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkIm "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"
)

// Messenger sends IM text messages addressed by email
type Messenger struct {
	client *lark.Client
	logger *zap.Logger
}

// NewMessenger creates a new Lark message sender
func NewMessenger(client *lark.Client, logger *zap.Logger) *Messenger {
	return &Messenger{
		client: client,
		logger: logger,
	}
}

// SendText sends a plain text message to the user with the given email
func (m *Messenger) SendText(ctx context.Context, email, text string) error {
	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}
	if text == "" {
		return fmt.Errorf("content cannot be empty")
	}

	content, err := textContent(text)
	if err != nil {
		return err
	}

	req := larkIm.NewCreateMessageReqBuilder().
		ReceiveIdType(larkIm.ReceiveIdTypeEmail).
		Body(larkIm.NewCreateMessageReqBodyBuilder().
			ReceiveId(email).
			MsgType(larkIm.MsgTypeText).
			Content(content).
			Build()).
		Build()

	resp, err := m.client.Im.Message.Create(ctx, req)
	if err != nil {
		m.logger.Error("Failed to send message", zap.String("receive_id", email), zap.Error(err))
		return fmt.Errorf("failed to send message: %w", err)
	}

	if !resp.Success() {
		m.logger.Error("API returned failure",
			zap.String("receive_id", email),
			zap.Int("code", resp.Code),
			zap.String("msg", resp.Msg))
		return fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	messageID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}
	m.logger.Info("Message sent successfully",
		zap.String("message_id", messageID),
		zap.String("receive_id", email))

	return nil
}

// textContent builds the {"text": ...} payload Lark expects for text messages
func textContent(text string) (string, error) {
	b, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", fmt.Errorf("failed to marshal message content: %w", err)
	}
	return string(b), nil
}
