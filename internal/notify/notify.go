package notify

import (
	"fmt"

	"github.com/VINIT-INAMKE/Vauice-Backend/internal/config"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/models"
	"github.com/rs/zerolog/log"
	"gopkg.in/gomail.v2"
)

// Notifier 是外部通知分发器的边界。调用方在持久化成功之后
// fire-and-forget 地触发，失败只记日志，永不上抛给发送端。
type Notifier interface {
	NotifyNewMessage(msg models.Message, recipients []models.User)
	NotifySelection(mentor, talent models.User)
}

// EmailNotifier 通过 SMTP 投递离线通知，消息正文是密文，
// 通知里只出现元信息。
type EmailNotifier struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailNotifier(cfg config.Config) *EmailNotifier {
	return &EmailNotifier{
		dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword),
		from:   cfg.SMTPFrom,
	}
}

func (n *EmailNotifier) send(to, subject, body string) {
	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	if err := n.dialer.DialAndSend(m); err != nil {
		log.Error().Err(err).Str("to", to).Str("subject", subject).Msg("notification email")
	}
}

func (n *EmailNotifier) NotifyNewMessage(msg models.Message, recipients []models.User) {
	for _, u := range recipients {
		n.send(u.Email, "New message on Vauice",
			fmt.Sprintf("Hi %s, you have a new message waiting. Open the app to read it.", u.Username))
	}
}

func (n *EmailNotifier) NotifySelection(mentor, talent models.User) {
	n.send(talent.Email, "You have been selected",
		fmt.Sprintf("Hi %s, mentor %s selected you. A private chat is now open.", talent.Username, mentor.Username))
}

// Noop 用于未配置 SMTP 的环境与测试。
type Noop struct{}

func (Noop) NotifyNewMessage(models.Message, []models.User) {}
func (Noop) NotifySelection(models.User, models.User)       {}

// ForConfig 根据配置选择具体实现：SMTP 未配置时降级为 Noop。
func ForConfig(cfg config.Config) Notifier {
	if cfg.SMTPHost == "" {
		log.Info().Msg("smtp not configured, offline notifications disabled")
		return Noop{}
	}
	return NewEmailNotifier(cfg)
}
