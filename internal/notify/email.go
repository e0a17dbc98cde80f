package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"maabo/internal/logbus"
	"maabo/internal/model"
)

// SettingsSource 提供邮件与通知配置，由 sqlite 存储实现。
type SettingsSource interface {
	GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error)
	GetNotifySettings(ctx context.Context) (model.NotifySettings, error)
}

type EmailNotifier struct {
	store SettingsSource
	bus   *logbus.Bus
	send  func(ctx context.Context, settings model.EmailSettings, events []SessionEndedEvent) error

	mu     sync.Mutex
	queue  chan SessionEndedEvent
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	summaryWindow time.Duration
	maxBatch      int
}

func NewEmailNotifier(store SettingsSource, bus *logbus.Bus) *EmailNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &EmailNotifier{
		store:         store,
		bus:           bus,
		send:          SendSessionSummaryEmail,
		queue:         make(chan SessionEndedEvent, 32),
		ctx:           ctx,
		cancel:        cancel,
		summaryWindow: emailSummaryWindow(),
		maxBatch:      10,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *EmailNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) NotifySessionEnded(_ context.Context, evt SessionEndedEvent) {
	select {
	case n.queue <- evt:
	default:
		if n.bus != nil {
			n.bus.Log("warn", "邮件通知丢弃：队列已满", map[string]any{"sessionId": evt.SessionID})
		}
	}
}

func (n *EmailNotifier) loop() {
	defer n.wg.Done()

	var (
		pending []SessionEndedEvent
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerCh = nil
	}

	resetTimer := func() {
		if timer == nil {
			timer = time.NewTimer(n.summaryWindow)
			timerCh = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(n.summaryWindow)
	}

	flush := func(reason string) {
		if len(pending) == 0 {
			stopTimer()
			return
		}
		events := append([]SessionEndedEvent(nil), pending...)
		pending = pending[:0]
		stopTimer()
		n.handleBatch(reason, events)
	}

	for {
		select {
		case <-n.ctx.Done():
			flush("shutdown")
			return
		case evt := <-n.queue:
			pending = append(pending, evt)
			if n.maxBatch > 0 && len(pending) >= n.maxBatch {
				flush("max")
				continue
			}
			if n.summaryWindow <= 0 {
				flush("immediate")
				continue
			}
			resetTimer()
		case <-timerCh:
			flush("idle")
		}
	}
}

func (n *EmailNotifier) handleBatch(reason string, events []SessionEndedEvent) {
	if n.store == nil {
		return
	}
	// 关闭时 n.ctx 已取消，发送使用独立的超时
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prefs, err := n.store.GetNotifySettings(ctx)
	if err != nil {
		n.log("warn", "读取通知配置失败", map[string]any{"error": err.Error()})
		return
	}
	wanted := events[:0]
	for _, evt := range events {
		if ShouldNotify(prefs, evt) {
			wanted = append(wanted, evt)
		}
	}
	if len(wanted) == 0 {
		return
	}

	settings, ok, err := n.store.GetEmailSettings(ctx)
	if err != nil {
		n.log("warn", "读取邮件配置失败", map[string]any{"error": err.Error()})
		return
	}
	if !ok || !settings.Enabled {
		n.log("info", "邮件通知未启用", map[string]any{"count": len(wanted), "reason": reason})
		return
	}
	if err := validateEmailSettings(settings); err != nil {
		n.log("warn", "邮件配置无效", map[string]any{"error": err.Error()})
		return
	}

	if err := n.send(ctx, settings, wanted); err != nil {
		n.log("warn", "邮件发送失败", map[string]any{
			"error":  err.Error(),
			"count":  len(wanted),
			"reason": reason,
		})
		return
	}
	n.log("info", "通知邮件已发送", map[string]any{
		"count":  len(wanted),
		"reason": reason,
		"to":     strings.TrimSpace(settings.Email),
	})
}

func (n *EmailNotifier) log(level, msg string, fields map[string]any) {
	if n.bus != nil {
		n.bus.Log(level, msg, fields)
	}
}

func validateEmailSettings(s model.EmailSettings) error {
	email := strings.TrimSpace(s.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New("invalid email")
	}
	if strings.TrimSpace(s.AuthCode) == "" {
		return errors.New("authCode is required")
	}
	return nil
}

func SendSessionSummaryEmail(ctx context.Context, settings model.EmailSettings, events []SessionEndedEvent) error {
	if err := validateEmailSettings(settings); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return errors.New("no events")
	}

	email := strings.TrimSpace(settings.Email)
	host, port, useSSL, err := smtpConfigForEmail(email)
	if err != nil {
		return err
	}
	htmlBody, textBody, err := buildSummaryEmailBody(events)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(email, "MaaBo"))
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", buildSubject(events))
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	d := gomail.NewDialer(host, port, email, strings.TrimSpace(settings.AuthCode))
	d.SSL = useSSL
	return d.DialAndSend(msg)
}

func smtpConfigForEmail(email string) (host string, port int, useSSL bool, err error) {
	parts := strings.Split(strings.TrimSpace(email), "@")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", 0, false, errors.New("invalid email format")
	}
	domain := strings.ToLower(strings.TrimSpace(parts[1]))

	switch {
	case domain == "qq.com" || strings.HasSuffix(domain, ".qq.com") || domain == "foxmail.com" || strings.HasSuffix(domain, ".foxmail.com"):
		return "smtp.qq.com", 465, true, nil
	case domain == "163.com" || strings.HasSuffix(domain, ".163.com") ||
		domain == "126.com" || strings.HasSuffix(domain, ".126.com") ||
		domain == "yeah.net" || strings.HasSuffix(domain, ".yeah.net"):
		return "smtp.163.com", 465, true, nil
	case domain == "gmail.com" || strings.HasSuffix(domain, ".gmail.com"):
		return "smtp.gmail.com", 587, false, nil
	case domain == "outlook.com" || strings.HasSuffix(domain, ".outlook.com") ||
		domain == "hotmail.com" || strings.HasSuffix(domain, ".hotmail.com") ||
		domain == "live.com" || strings.HasSuffix(domain, ".live.com"):
		return "smtp.office365.com", 587, false, nil
	default:
		return "smtp." + domain, 465, true, nil
	}
}

func buildSubject(events []SessionEndedEvent) string {
	crashed := 0
	for _, evt := range events {
		if evt.Reason == model.ExitCrashed {
			crashed++
		}
	}
	if len(events) == 1 {
		return "MaaBo：" + reasonLabel(events[0].Reason)
	}
	if crashed > 0 {
		return fmt.Sprintf("MaaBo：%d 次运行结束（%d 次异常）", len(events), crashed)
	}
	return fmt.Sprintf("MaaBo：%d 次运行结束", len(events))
}

var emailSummaryHTMLTpl = template.Must(template.New("email-summary").Parse(`
<!doctype html>
<html lang="zh-CN">
  <head>
    <meta charset="utf-8" />
    <title>运行结果</title>
  </head>
  <body style="margin:0;padding:0;background:#f6f8fb;font-family:-apple-system,'Segoe UI',Roboto,'PingFang SC','Microsoft YaHei',sans-serif;">
    <div style="max-width:720px;margin:0 auto;padding:24px;">
      <div style="background:#ffffff;border:1px solid #e6e8ef;border-radius:14px;overflow:hidden;">
        <div style="padding:18px 22px;background:linear-gradient(135deg,#0ea5e9,#6366f1);color:#ffffff;">
          <div style="font-size:16px;font-weight:700;">运行结果</div>
          <div style="margin-top:6px;font-size:12px;opacity:.95;">MaaBo 通知</div>
        </div>
        <div style="padding:22px;">
          <table role="presentation" cellspacing="0" cellpadding="0" border="0" style="width:100%;border-collapse:collapse;">
            <thead>
              <tr style="background:#fafbff;">
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">结束时间</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">配置</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">结果</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">时长</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">退出码</th>
              </tr>
            </thead>
            <tbody>
              {{ range .Rows }}
              <tr>
                <td style="padding:10px 12px;font-size:12px;color:#111827;">{{ .At }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;">{{ .Config }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;">{{ .Result }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;">{{ .Duration }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;">{{ .Code }}</td>
              </tr>
              {{ end }}
            </tbody>
          </table>
          <div style="margin-top:14px;color:#9ca3af;font-size:12px;">此邮件由系统自动发送</div>
        </div>
      </div>
    </div>
  </body>
</html>
`))

type summaryRow struct {
	At       string
	Config   string
	Result   string
	Duration string
	Code     string
}

func buildSummaryEmailBody(events []SessionEndedEvent) (htmlBody string, textBody string, err error) {
	if len(events) == 0 {
		return "", "", errors.New("no events")
	}

	rows := make([]summaryRow, 0, len(events))
	for _, evt := range events {
		at := time.Now()
		if evt.EndedAt > 0 {
			at = time.UnixMilli(evt.EndedAt)
		}
		code := "-"
		if evt.ExitCode != nil {
			code = strconv.Itoa(*evt.ExitCode)
		}
		rows = append(rows, summaryRow{
			At:       at.Format("2006-01-02 15:04:05"),
			Config:   safeText(evt.ConfigName, evt.SessionID),
			Result:   reasonLabel(evt.Reason),
			Duration: evt.Duration().Round(time.Second).String(),
			Code:     code,
		})
	}

	var buf bytes.Buffer
	if err := emailSummaryHTMLTpl.Execute(&buf, struct{ Rows []summaryRow }{Rows: rows}); err != nil {
		return "", "", err
	}

	text := new(strings.Builder)
	text.WriteString("运行结果\n")
	for i, row := range rows {
		text.WriteString(fmt.Sprintf("- %s | %s | %s | 时长 %s | 退出码 %s\n", row.At, row.Config, row.Result, row.Duration, row.Code))
		if e := strings.TrimSpace(events[i].Error); e != "" {
			text.WriteString("  错误：" + e + "\n")
		}
	}
	return buf.String(), text.String(), nil
}

func safeText(prefer, fallback string) string {
	prefer = strings.TrimSpace(prefer)
	if prefer != "" {
		return prefer
	}
	return strings.TrimSpace(fallback)
}

func reasonLabel(r model.ExitReason) string {
	switch r {
	case model.ExitNormal:
		return "运行完成"
	case model.ExitKilled:
		return "已停止"
	default:
		return "异常退出"
	}
}

func emailSummaryWindow() time.Duration {
	v := strings.TrimSpace(os.Getenv("MAABO_EMAIL_SUMMARY_SECONDS"))
	if v == "" {
		return 5 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 5 * time.Second
	}
	if n <= 0 {
		return 0
	}
	if n > 600 {
		n = 600
	}
	return time.Duration(n) * time.Second
}
