package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"net/mail"
	"net/textproto"
	"regexp"
	"strings"
	texttemplate "text/template"

	"gopkg.in/gomail.v2"

	"kms-connect/backend/config"
	"kms-connect/backend/internal/model"
)

// MailMessage 待发送邮件
type MailMessage struct {
	To       string
	Subject  string
	TextBody string
	HTMLBody string
}

// Mailer 邮件传输
type Mailer interface {
	Send(ctx context.Context, msg MailMessage) error
}

// ── SMTP 实现 ──

// SMTPMailer 基于 gomail 的 SMTP 传输
type SMTPMailer struct {
	dialer   *gomail.Dialer
	from     string
	fromName string
}

// NewSMTPMailer 创建 SMTP 传输
func NewSMTPMailer(cfg *config.MailConfig) *SMTPMailer {
	return &SMTPMailer{
		dialer:   gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.Username, cfg.Password),
		from:     cfg.From,
		fromName: cfg.FromName,
	}
}

// Send 发送邮件；gomail 不支持 context，超时后放弃等待结果
func (m *SMTPMailer) Send(ctx context.Context, msg MailMessage) error {
	gm := gomail.NewMessage()
	gm.SetAddressHeader("From", m.from, m.fromName)
	gm.SetHeader("To", msg.To)
	gm.SetHeader("Subject", msg.Subject)
	gm.SetBody("text/plain", msg.TextBody)
	if msg.HTMLBody != "" {
		gm.AddAlternative("text/html", msg.HTMLBody)
	}

	done := make(chan error, 1)
	go func() { done <- m.dialer.DialAndSend(gm) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── 模板 ──

var emailHTML = htmltemplate.Must(htmltemplate.New("email").Parse(`<!DOCTYPE html>
<html>
<body style="font-family:Arial,sans-serif;color:#1f2937;">
  <h2 style="margin-bottom:12px;">{{.Title}}</h2>
  {{range .Paragraphs}}<p style="line-height:1.5;">{{.}}</p>
  {{end}}
  {{- if .ActionURL}}
  <p style="margin-top:20px;">
    <a href="{{.ActionURL}}" style="display:inline-block;padding:10px 20px;border-radius:5px;background-color:#2563eb;color:#fff;text-decoration:none;">{{.ActionLabel}}</a>
  </p>
  {{- end}}
  <hr style="margin-top:32px;border:none;border-top:1px solid #e5e7eb;">
  <p style="font-size:12px;color:#6b7280;">{{.Footer}}</p>
</body>
</html>`))

var emailText = texttemplate.Must(texttemplate.New("email").Parse(`{{.Title}}

{{.Body}}
{{if .ActionURL}}
{{.ActionLabel}}: {{.ActionURL}}
{{end}}
--
{{.Footer}}
`))

type emailView struct {
	Title       string
	Body        string
	Paragraphs  []string
	ActionURL   string
	ActionLabel string
	Footer      string
}

const defaultActionLabel = "Buka"

// ── 处理器 ──

// EmailHandler 邮件渠道
type EmailHandler struct {
	mailer  Mailer
	baseURL string
	brand   string
}

// NewEmailHandler 创建邮件处理器
// baseURL 用于补全相对 action 链接，brand 作为主题后缀与页脚署名
func NewEmailHandler(mailer Mailer, baseURL, brand string) *EmailHandler {
	return &EmailHandler{
		mailer:  mailer,
		baseURL: strings.TrimRight(baseURL, "/"),
		brand:   brand,
	}
}

// Channel 实现 Handler
func (*EmailHandler) Channel() model.Channel { return model.ChannelEmail }

// Deliver 实现 Handler
func (h *EmailHandler) Deliver(ctx context.Context, job Job) Result {
	addr, err := mail.ParseAddress(strings.TrimSpace(job.Email))
	if err != nil {
		return Permanent(fmt.Errorf("%w: %q", ErrInvalidEmail, job.Email))
	}

	msg, err := h.Render(job.Message)
	if err != nil {
		return Permanent(fmt.Errorf("渲染邮件失败: %w", err))
	}
	msg.To = addr.Address

	if err := h.mailer.Send(ctx, msg); err != nil {
		if isPermanentSMTPError(err) {
			return Permanent(err)
		}
		return Retry(err)
	}
	return Delivered()
}

// Render 由通知字段渲染邮件内容
func (h *EmailHandler) Render(m Message) (MailMessage, error) {
	view := emailView{
		Title:      m.Title,
		Body:       m.Body,
		Paragraphs: splitParagraphs(m.Body),
		Footer:     h.brand,
	}
	if m.ActionURL != "" {
		view.ActionURL = h.absoluteURL(m.ActionURL)
		view.ActionLabel = m.ActionLabel
		if view.ActionLabel == "" {
			view.ActionLabel = defaultActionLabel
		}
	}

	var html, text bytes.Buffer
	if err := emailHTML.Execute(&html, view); err != nil {
		return MailMessage{}, err
	}
	if err := emailText.Execute(&text, view); err != nil {
		return MailMessage{}, err
	}

	subject := m.Title
	if h.brand != "" {
		subject += " – " + h.brand
	}
	return MailMessage{Subject: subject, TextBody: text.String(), HTMLBody: html.String()}, nil
}

func (h *EmailHandler) absoluteURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") || h.baseURL == "" {
		return u
	}
	return h.baseURL + "/" + strings.TrimLeft(u, "/")
}

func splitParagraphs(body string) []string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// smtpCodePattern gomail 以 %v 包装底层错误，需从文本中识别 SMTP 状态码
var smtpCodePattern = regexp.MustCompile(`(?:^|\D)(5\d\d)[ -]`)

// isPermanentSMTPError 5xx 响应（如邮箱不存在）不再重试
func isPermanentSMTPError(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 500 && tpErr.Code < 600
	}
	return smtpCodePattern.MatchString(err.Error())
}
