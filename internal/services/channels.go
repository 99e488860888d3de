package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"
	"time"

	"raffle/internal/models"
)

// EmailChannel sends plain text mail through an SMTP server using STARTTLS.
type EmailChannel struct {
	host     string
	port     int
	username string
	password string
	timeout  time.Duration
}

func NewEmailChannel(host string, port int, user, pass string, timeout time.Duration) *EmailChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EmailChannel{host: host, port: port, username: user, password: pass, timeout: timeout}
}

func (e *EmailChannel) Name() string { return ChannelEmail }

func (e *EmailChannel) Configured() bool {
	return e.host != "" && e.username != "" && e.password != ""
}

func (e *EmailChannel) Recipient(p models.Participant) string {
	if !models.ValidEmail(p.Email) {
		return ""
	}
	return p.Email
}

func (e *EmailChannel) Send(ctx context.Context, to, subject, body string) error {
	from := e.username
	msg := mailMessage(from, to, subject, body)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	serverAddr := net.JoinHostPort(e.host, strconv.Itoa(e.port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", serverAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, e.host)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.StartTLS(&tls.Config{ServerName: e.host}); err != nil {
		return err
	}
	if err := client.Auth(smtp.PlainAuth("", e.username, e.password, e.host)); err != nil {
		return err
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// mailMessage builds a plain text message. The subject is Q-encoded so
// non-ASCII text survives header transport.
func mailMessage(from, to, subject, body string) []byte {
	return []byte(
		fmt.Sprintf("From: %s\r\n", from) +
			fmt.Sprintf("To: %s\r\n", to) +
			fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject)) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=\"utf-8\"\r\n" +
			"\r\n" +
			body,
	)
}

// WhatsAppChannel sends messages through the Twilio WhatsApp API.
type WhatsAppChannel struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	client     *http.Client
}

func NewWhatsAppChannel(accountSID, authToken, from, baseURL string, timeout time.Duration) *WhatsAppChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if from != "" && !strings.HasPrefix(from, "whatsapp:") {
		from = "whatsapp:" + from
	}
	return &WhatsAppChannel{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: timeout},
	}
}

func (w *WhatsAppChannel) Name() string { return ChannelWhatsApp }

func (w *WhatsAppChannel) Configured() bool {
	return w.accountSID != "" && w.authToken != "" && w.from != ""
}

func (w *WhatsAppChannel) Recipient(p models.Participant) string {
	if !models.ValidPhone(p.Phone) {
		return ""
	}
	return models.NormalizePhone(p.Phone)
}

func (w *WhatsAppChannel) Send(ctx context.Context, to, _ string, body string) error {
	form := url.Values{}
	form.Set("From", w.from)
	form.Set("To", "whatsapp:"+to)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", w.baseURL, url.PathEscape(w.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(w.accountSID, w.authToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp http error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("whatsapp api status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
