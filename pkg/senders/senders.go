// Package senders implements component N: protocol-specific delivery of a
// normalized DeliveryRequest. The HTTP sender's request-construction idiom
// (build *http.Request, set headers, execute, classify status) follows the
// donor's Mattermost API client (pkg/mattermost/client.go's `do` helper),
// adapted from a bearer-token API client to an SSRF-guarded outbound
// webhook with an HMAC body signature.
package senders

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/fieldmesh/platform/internal/ssrfguard"
	"github.com/fieldmesh/platform/internal/telemetry"
)

// Request is the normalized DeliveryRequest every Sender accepts.
type Request struct {
	Kind    string // "webhook", "snmp", "smtp", "mqtt"
	Payload map[string]any

	// Webhook
	URL          string
	HMACSecret   string
	ExtraHeaders map[string]string

	// SNMP
	SNMPVersion  string // "v2c" or "v3"
	SNMPHost     string
	SNMPPort     uint16
	SNMPCommunity string
	SNMPOID      string
	SNMPUsername string
	SNMPAuthProtocol string // MD5, SHA, SHA256
	SNMPAuthPassphrase string
	SNMPPrivProtocol string // DES, AES128
	SNMPPrivPassphrase string

	// SMTP
	SMTPHost      string
	SMTPPort      int
	SMTPFrom      string
	SMTPTo        []string
	SubjectTmpl   string
	BodyTmpl      string
	Severity      string
	AlertType     string
	DeviceID      string
	Message       string
	Timestamp     time.Time

	// MQTT publish
	MQTTTopic string
	MQTTQoS   byte
}

// Result is what every Sender returns.
type Result struct {
	Success   bool
	Retryable bool
	Error     error
}

// Sender delivers one Request.
type Sender interface {
	Send(ctx context.Context, req Request) Result
}

// Publisher is the minimal broker-publish surface the MQTT sender needs,
// satisfied by the single broker-client abstraction the ingest pipeline
// also uses (spec Design Notes §9: "a single broker-client abstraction per
// process with explicit subscribe/publish/disconnect lifecycle").
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// --- HTTP/webhook sender ---

// HTTPSender posts Request.Payload as JSON, signing the body with an
// HMAC-SHA256 over the exact serialized bytes when a secret is configured.
type HTTPSender struct {
	guard  *ssrfguard.Guard
	client *http.Client
}

// NewHTTPSender creates an HTTPSender with a 10s timeout, no redirect
// following, and the given SSRFGuard dialing through its resolved-IP
// transport per send.
func NewHTTPSender(guard *ssrfguard.Guard) *HTTPSender {
	return &HTTPSender{
		guard: guard,
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (h *HTTPSender) Send(ctx context.Context, req Request) Result {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return Result{Success: false, Retryable: false, Error: fmt.Errorf("marshaling webhook payload: %w", err)}
	}

	if err := h.guard.ValidateURL(ctx, req.URL); err != nil {
		return Result{Success: false, Retryable: false, Error: fmt.Errorf("ssrf guard: %w", err)}
	}
	dial, err := h.guard.DialContextFor(req.URL)
	if err != nil {
		return Result{Success: false, Retryable: false, Error: fmt.Errorf("ssrf guard: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Success: false, Retryable: false, Error: fmt.Errorf("building webhook request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}
	if req.HMACSecret != "" {
		mac := hmac.New(sha256.New, []byte(req.HMACSecret))
		mac.Write(body)
		httpReq.Header.Set("X-Signature-SHA256", hex.EncodeToString(mac.Sum(nil)))
	}

	client := &http.Client{
		Timeout:       h.client.Timeout,
		CheckRedirect: h.client.CheckRedirect,
		Transport:     &http.Transport{DialContext: dial},
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	telemetry.DeliveryAttemptsTotal.WithLabelValues("webhook", outcomeLabel(err == nil)).Inc()
	if err != nil {
		return Result{Success: false, Retryable: true, Error: fmt.Errorf("webhook request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()
	_ = time.Since(start)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Success: true}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{Success: false, Retryable: true, Error: fmt.Errorf("webhook rate limited (429), retry-after=%s", resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		respBody, _ := io.ReadAll(resp.Body)
		return Result{Success: false, Retryable: true, Error: fmt.Errorf("webhook server error (status %d): %s", resp.StatusCode, string(respBody))}
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return Result{Success: false, Retryable: false, Error: fmt.Errorf("webhook rejected (status %d): %s", resp.StatusCode, string(respBody))}
	}
}

func outcomeLabel(ok bool) string {
	if ok {
		return "sent"
	}
	return "error"
}

// --- SNMP sender ---

// SNMPSender emits an SNMP INFORM to a v2c or v3 target.
type SNMPSender struct{}

func NewSNMPSender() *SNMPSender { return &SNMPSender{} }

func (s *SNMPSender) Send(ctx context.Context, req Request) Result {
	params := &gosnmp.GoSNMP{
		Target:    req.SNMPHost,
		Port:      req.SNMPPort,
		Timeout:   10 * time.Second,
		Retries:   1,
		ExponentialTimeout: true,
	}

	switch req.SNMPVersion {
	case "v2c":
		params.Version = gosnmp.Version2c
		params.Community = req.SNMPCommunity
	case "v3":
		params.Version = gosnmp.Version3
		params.SecurityModel = gosnmp.UserSecurityModel
		params.MsgFlags = gosnmp.AuthPriv
		usmParams := &gosnmp.UsmSecurityParameters{
			UserName:                 req.SNMPUsername,
			AuthenticationProtocol:   snmpAuthProtocol(req.SNMPAuthProtocol),
			AuthenticationPassphrase: req.SNMPAuthPassphrase,
			PrivacyProtocol:          snmpPrivProtocol(req.SNMPPrivProtocol),
			PrivacyPassphrase:        req.SNMPPrivPassphrase,
		}
		params.SecurityParameters = usmParams
	default:
		return Result{Success: false, Retryable: false, Error: fmt.Errorf("unsupported snmp version %q", req.SNMPVersion)}
	}

	if err := params.Connect(); err != nil {
		return Result{Success: false, Retryable: true, Error: fmt.Errorf("connecting to snmp target: %w", err)}
	}
	defer func() { _ = params.Conn.Close() }()

	pdu := gosnmp.SnmpPDU{
		Name:  req.SNMPOID,
		Type:  gosnmp.OctetString,
		Value: payloadSummary(req),
	}
	_, err := params.SendTrap(gosnmp.SnmpTrap{Variables: []gosnmp.SnmpPDU{pdu}, IsInform: true})
	telemetry.DeliveryAttemptsTotal.WithLabelValues("snmp", outcomeLabel(err == nil)).Inc()
	if err != nil {
		return Result{Success: false, Retryable: true, Error: fmt.Errorf("sending snmp inform: %w", err)}
	}
	return Result{Success: true}
}

func snmpAuthProtocol(p string) gosnmp.SnmpV3AuthProtocol {
	switch p {
	case "MD5":
		return gosnmp.MD5
	case "SHA":
		return gosnmp.SHA
	case "SHA256":
		return gosnmp.SHA256
	default:
		return gosnmp.NoAuth
	}
}

func snmpPrivProtocol(p string) gosnmp.SnmpV3PrivProtocol {
	switch p {
	case "DES":
		return gosnmp.DES
	case "AES128":
		return gosnmp.AES
	default:
		return gosnmp.NoPriv
	}
}

func payloadSummary(req Request) string {
	b, _ := json.Marshal(req.Payload)
	return string(b)
}

// --- SMTP sender ---

// SMTPSender delivers an email with a plain+HTML multipart body. It dials in
// plaintext and upgrades with STARTTLS when the server offers it; it never
// opens an implicit-TLS connection, and with a server that does not offer
// STARTTLS the message is sent unencrypted.
type SMTPSender struct{}

func NewSMTPSender() *SMTPSender { return &SMTPSender{} }

func (s *SMTPSender) Send(ctx context.Context, req Request) Result {
	addr := fmt.Sprintf("%s:%d", req.SMTPHost, req.SMTPPort)

	subject := renderTemplate(req.SubjectTmpl, req)
	plainBody := renderTemplate(req.BodyTmpl, req)
	msg, err := buildMIMEMessage(req.SMTPFrom, req.SMTPTo, subject, plainBody)
	if err != nil {
		return Result{Success: false, Retryable: false, Error: fmt.Errorf("building email: %w", err)}
	}

	client, err := smtp.Dial(addr)
	if err != nil {
		return Result{Success: false, Retryable: true, Error: fmt.Errorf("dialing smtp server: %w", err)}
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: req.SMTPHost, MinVersion: tls.VersionTLS12}
		if err := client.StartTLS(tlsConfig); err != nil {
			return Result{Success: false, Retryable: true, Error: fmt.Errorf("starttls: %w", err)}
		}
	}

	if err := client.Mail(req.SMTPFrom); err != nil {
		return classifySMTPError(err)
	}
	for _, to := range req.SMTPTo {
		if err := client.Rcpt(to); err != nil {
			return classifySMTPError(err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return classifySMTPError(err)
	}
	if _, err := w.Write(msg); err != nil {
		return Result{Success: false, Retryable: true, Error: fmt.Errorf("writing message body: %w", err)}
	}
	if err := w.Close(); err != nil {
		return classifySMTPError(err)
	}

	telemetry.DeliveryAttemptsTotal.WithLabelValues("smtp", "sent").Inc()
	return Result{Success: true}
}

func classifySMTPError(err error) Result {
	telemetry.DeliveryAttemptsTotal.WithLabelValues("smtp", "error").Inc()
	msg := err.Error()
	// RFC 5321 reply codes: 4xx transient, 5xx permanent.
	retryable := strings.HasPrefix(msg, "4") || strings.Contains(msg, " 4")
	return Result{Success: false, Retryable: retryable, Error: fmt.Errorf("smtp: %w", err)}
}

func renderTemplate(tmpl string, req Request) string {
	r := strings.NewReplacer(
		"{severity}", req.Severity,
		"{alert_type}", req.AlertType,
		"{device_id}", req.DeviceID,
		"{message}", req.Message,
		"{timestamp}", req.Timestamp.Format(time.RFC3339),
	)
	return r.Replace(tmpl)
}

func buildMIMEMessage(from string, to []string, subject, plainBody string) ([]byte, error) {
	var buf bytes.Buffer
	boundary := "fieldmesh-boundary"

	headers := textproto.MIMEHeader{}
	headers.Set("From", from)
	headers.Set("To", strings.Join(to, ", "))
	headers.Set("Subject", mime.QEncoding.Encode("UTF-8", subject))
	headers.Set("MIME-Version", "1.0")
	headers.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%s", boundary))

	for k, vs := range headers {
		for _, v := range vs {
			buf.WriteString(k + ": " + v + "\r\n")
		}
	}
	buf.WriteString("\r\n")

	buf.WriteString("--" + boundary + "\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	buf.WriteString(plainBody + "\r\n")

	buf.WriteString("--" + boundary + "\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	buf.WriteString("<pre>" + plainBody + "</pre>\r\n")

	buf.WriteString("--" + boundary + "--\r\n")
	return buf.Bytes(), nil
}

// --- MQTT publish sender ---

// MQTTSender republishes the event JSON to a templated topic.
type MQTTSender struct {
	publisher Publisher
}

func NewMQTTSender(publisher Publisher) *MQTTSender {
	return &MQTTSender{publisher: publisher}
}

func (s *MQTTSender) Send(ctx context.Context, req Request) Result {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return Result{Success: false, Retryable: false, Error: fmt.Errorf("marshaling mqtt payload: %w", err)}
	}
	err = s.publisher.Publish(ctx, req.MQTTTopic, req.MQTTQoS, body)
	telemetry.DeliveryAttemptsTotal.WithLabelValues("mqtt", outcomeLabel(err == nil)).Inc()
	if err != nil {
		return Result{Success: false, Retryable: true, Error: fmt.Errorf("publishing to broker: %w", err)}
	}
	return Result{Success: true}
}

// TestDeliver sends req through sender and returns its Result without
// touching the delivery queue — a supplemental integration test-delivery
// path (SPEC_FULL.md) letting an operator verify a destination's
// reachability before relying on it for real alerts.
func TestDeliver(ctx context.Context, sender Sender, req Request) Result {
	return sender.Send(ctx, req)
}
