package delivery

import (
	"context"
	"errors"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kms-connect/backend/internal/model"
)

type fakeMailer struct {
	sent []MailMessage
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg MailMessage) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func TestEmailHandler_DeliversRenderedMessage(t *testing.T) {
	mailer := &fakeMailer{}
	h := NewEmailHandler(mailer, "https://kms.example.com/", "PT. Karyatama Mitra Sejati")

	res := h.Deliver(context.Background(), Job{
		NotificationID: "n1",
		Email:          "Applicant One <applicant@example.com>",
		Channel:        model.ChannelEmail,
		Message: Message{
			Title:     "Maintenance",
			Body:      "Sistem akan dimatikan.\n\nMohon simpan pekerjaan Anda.",
			ActionURL: "/dashboard",
		},
	})

	require.True(t, res.Success, "期望投递成功: %v", res.Err)
	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	assert.Equal(t, "applicant@example.com", msg.To)
	assert.Equal(t, "Maintenance – PT. Karyatama Mitra Sejati", msg.Subject)
	assert.Contains(t, msg.HTMLBody, `href="https://kms.example.com/dashboard"`)
	assert.Contains(t, msg.HTMLBody, ">Buka</a>")
	assert.Equal(t, 2, strings.Count(msg.HTMLBody, "<p style=\"line-height:1.5;\">"))
	assert.Contains(t, msg.TextBody, "Buka: https://kms.example.com/dashboard")
}

func TestEmailHandler_EscapesHTML(t *testing.T) {
	h := NewEmailHandler(&fakeMailer{}, "", "")

	msg, err := h.Render(Message{Title: "<script>alert(1)</script>", Body: "a & b"})
	require.NoError(t, err)
	assert.NotContains(t, msg.HTMLBody, "<script>")
	assert.Contains(t, msg.HTMLBody, "a &amp; b")
	assert.NotContains(t, msg.HTMLBody, "<a href")
}

func TestEmailHandler_InvalidAddressIsPermanent(t *testing.T) {
	mailer := &fakeMailer{}
	h := NewEmailHandler(mailer, "", "")

	for _, addr := range []string{"", "not-an-address"} {
		res := h.Deliver(context.Background(), Job{Email: addr, Channel: model.ChannelEmail})
		assert.False(t, res.Success)
		assert.False(t, res.Retryable, "无效地址 %q 不应重试", addr)
		assert.ErrorIs(t, res.Err, ErrInvalidEmail)
	}
	assert.Empty(t, mailer.sent)
}

func TestEmailHandler_ClassifiesTransportErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"连接失败", errors.New("dial tcp 10.0.0.1:587: i/o timeout"), true},
		{"临时拒绝", &textproto.Error{Code: 421, Msg: "service not available"}, true},
		{"邮箱不存在", &textproto.Error{Code: 550, Msg: "mailbox unavailable"}, false},
		{"包装后的 5xx", errors.New("gomail: could not send email 1: 553 5.1.3 invalid recipient"), false},
		{"超时", context.DeadlineExceeded, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewEmailHandler(&fakeMailer{err: tc.err}, "", "")
			res := h.Deliver(context.Background(), Job{Email: "a@example.com", Channel: model.ChannelEmail})
			assert.False(t, res.Success)
			assert.Equal(t, tc.retryable, res.Retryable)
		})
	}
}
