package telegram

import (
	"captcha-gatekeeper/detection"
	"captcha-gatekeeper/handlers"
	"captcha-gatekeeper/poller"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func toProfile(u tgbotapi.User) detection.Profile {
	return detection.Profile{
		UserID:    u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.UserName,
		IsBot:     u.IsBot,
	}
}

// Decode turns raw updates into events. An update announcing several new
// members yields one Join per member, all carrying the update id. Updates
// with nothing of interest yield no event but still count toward LastID.
func Decode(updates []tgbotapi.Update) poller.Batch {
	var batch poller.Batch
	for _, u := range updates {
		batch.LastID = max(batch.LastID, u.UpdateID)

		m := u.Message
		if m == nil || m.Chat == nil {
			continue
		}
		chatID := m.Chat.ID

		if len(m.NewChatMembers) > 0 {
			for _, member := range m.NewChatMembers {
				batch.Events = append(batch.Events, handlers.Join{ID: u.UpdateID, ChatID: chatID, User: toProfile(member)})
			}
			continue
		}
		if m.LeftChatMember != nil {
			batch.Events = append(batch.Events, handlers.Leave{ID: u.UpdateID, ChatID: chatID, User: toProfile(*m.LeftChatMember)})
			continue
		}
		if m.From != nil && m.Text != "" {
			batch.Events = append(batch.Events, handlers.Message{
				ID:     u.UpdateID,
				ChatID: chatID,
				User:   toProfile(*m.From),
				Text:   m.Text,
			})
		}
	}
	return batch
}
