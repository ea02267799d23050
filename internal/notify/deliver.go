package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/telebot.v3"

	"medreminder/internal/store"
)

// LogDeliverer writes reminders to the log. It is used when no messaging
// channel is configured and as the fallback for users without one.
type LogDeliverer struct {
	log *slog.Logger
}

func NewLogDeliverer(log *slog.Logger) *LogDeliverer {
	if log == nil {
		log = slog.Default()
	}
	return &LogDeliverer{log: log.With(slog.String("component", "deliverer"))}
}

func (d *LogDeliverer) Deliver(ctx context.Context, r Reminder) error {
	d.log.InfoContext(ctx, "reminder due",
		slog.String("identifier", r.ID),
		slog.String("user_id", r.UserID),
		slog.String("medicine_id", r.MedicineID.String()),
		slog.String("title", r.Title),
		slog.String("body", r.Body),
		slog.Time("fired_at", r.FiredAt),
	)
	return nil
}

// Sender is the part of *telebot.Bot used for delivery.
type Sender interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
}

// TelegramDeliverer sends reminders to the chat stored on the user's profile
// and hands users without a chat to the fallback.
type TelegramDeliverer struct {
	sender   Sender
	profiles store.ProfileRepository
	fallback Deliverer
}

func NewTelegramDeliverer(sender Sender, profiles store.ProfileRepository, fallback Deliverer) *TelegramDeliverer {
	return &TelegramDeliverer{sender: sender, profiles: profiles, fallback: fallback}
}

func (d *TelegramDeliverer) Deliver(ctx context.Context, r Reminder) error {
	p, err := d.profiles.GetProfile(ctx, r.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if p.TelegramChatID == 0 {
		if d.fallback == nil {
			return nil
		}
		return d.fallback.Deliver(ctx, r)
	}

	_, err = d.sender.Send(telebot.ChatID(p.TelegramChatID), FormatReminder(r), &telebot.SendOptions{ParseMode: telebot.ModeDefault})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func FormatReminder(r Reminder) string {
	if r.Body == "" {
		return r.Title
	}
	return r.Title + "\n" + r.Body
}

// RegisterBotHandlers answers /start with the chat id a user stores on their
// profile to receive reminders.
func RegisterBotHandlers(b *telebot.Bot) {
	b.Handle("/start", func(c telebot.Context) error {
		return c.Send(fmt.Sprintf("Your chat id is %d. Save it in your profile to get medicine reminders here.", c.Chat().ID))
	})
}
