// Package twilio places calls through the Twilio Programmable Voice REST API
// and normalizes its form-encoded status callbacks.
package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

const signatureHeader = "X-Twilio-Signature"

// Provider is a Twilio client.
type Provider struct {
	baseURL     string
	accountSID  string
	authToken   string
	from        string
	callbackURL string
	client      *http.Client
	limiter     *rate.Limiter
	now         func() time.Time
}

// NewProvider builds the client.
func NewProvider(cfg config.ProviderConfig) *Provider {
	return &Provider{
		baseURL:     strings.TrimRight(cfg.Twilio.BaseURL, "/"),
		accountSID:  cfg.Twilio.AccountSID,
		authToken:   cfg.Twilio.AuthToken,
		from:        cfg.Twilio.FromNumber,
		callbackURL: cfg.Twilio.StatusCallbackURL,
		client:      &http.Client{Timeout: cfg.RequestTimeout},
		limiter:     telephony.NewLimiter(cfg),
		now:         time.Now,
	}
}

func (p *Provider) Name() string { return "twilio" }

type callResource struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// InitiateCall creates a call resource. The agent id is sent as the
// ApplicationSid that drives the conversation, and the call metadata rides
// on the status callback URL so it comes back with every status event.
func (p *Provider) InitiateCall(ctx context.Context, req telephony.InitiateCallRequest) (telephony.InitiateCallResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return telephony.InitiateCallResponse{}, fmt.Errorf("twilio: rate limit: %w", err)
	}

	callback, err := p.statusCallback(req.Metadata)
	if err != nil {
		return telephony.InitiateCallResponse{}, err
	}

	form := url.Values{}
	form.Set("To", req.ToNumber)
	form.Set("From", p.from)
	form.Set("ApplicationSid", req.AgentID)
	form.Set("StatusCallback", callback)
	form.Set("StatusCallbackMethod", http.MethodPost)
	for _, ev := range []string{"ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", p.baseURL, p.accountSID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return telephony.InitiateCallResponse{}, fmt.Errorf("twilio: build request: %w", err)
	}
	httpReq.SetBasicAuth(p.accountSID, p.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return telephony.InitiateCallResponse{}, fmt.Errorf("twilio: create call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return telephony.InitiateCallResponse{}, fmt.Errorf("twilio: read response: %w", err)
	}
	if telephony.AmbiguousHTTPStatus(resp.StatusCode) {
		return telephony.InitiateCallResponse{}, fmt.Errorf("twilio: create call: %w: status %d", telephony.ErrAmbiguousOutcome, resp.StatusCode)
	}
	var res callResource
	if err := json.Unmarshal(raw, &res); err != nil && resp.StatusCode < 300 {
		return telephony.InitiateCallResponse{}, fmt.Errorf("twilio: decode response: %w", err)
	}

	out := telephony.InitiateCallResponse{CallID: req.Metadata.CallID, VendorCallID: res.SID, Status: res.Status}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.Success = true
		return out, nil
	}
	out.Error = fmt.Sprintf("twilio %d: %s", res.Code, res.Message)
	return out, nil
}

func (p *Provider) statusCallback(meta telephony.CallMetadata) (string, error) {
	u, err := url.Parse(p.callbackURL)
	if err != nil {
		return "", fmt.Errorf("twilio: status callback url: %w", err)
	}
	q := u.Query()
	for k, v := range meta.Extra {
		q.Set(k, v)
	}
	q.Set("call_id", meta.CallID)
	q.Set("user_id", meta.UserID)
	if meta.Name != nil {
		q.Set("name", *meta.Name)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseWebhook decodes a form-encoded status callback.
func (p *Provider) ParseWebhook(req telephony.WebhookRequest) (telephony.CallWebhookPayload, error) {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return telephony.CallWebhookPayload{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidWebhookPayload, err)
	}
	sid := form.Get("CallSid")
	if sid == "" {
		return telephony.CallWebhookPayload{}, fmt.Errorf("%w: CallSid is required", apperrors.ErrInvalidWebhookPayload)
	}
	status, err := mapStatus(form.Get("CallStatus"))
	if err != nil {
		return telephony.CallWebhookPayload{}, err
	}

	out := telephony.CallWebhookPayload{
		VendorCallID: sid,
		Status:       status,
		Timestamp:    p.now().UTC(),
	}
	if raw := form.Get("CallDuration"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			return telephony.CallWebhookPayload{}, fmt.Errorf("%w: bad CallDuration %q", apperrors.ErrInvalidWebhookPayload, raw)
		}
		out.Duration = &d
	}
	if rec := form.Get("RecordingUrl"); rec != "" {
		out.RecordingURL = &rec
	}
	if raw := form.Get("Timestamp"); raw != "" {
		if ts, err := time.Parse(time.RFC1123Z, raw); err == nil {
			out.Timestamp = ts.UTC()
		}
	}
	if meta := metadataFromURL(req.URL); meta != nil {
		out.Metadata = meta
	}
	return out, nil
}

// mapStatus translates Twilio call statuses. Anything outside the known set,
// including queued and initiated which are never subscribed to, is rejected.
func mapStatus(raw string) (domain.CallStatus, error) {
	switch raw {
	case "ringing":
		return domain.CallStatusRinging, nil
	case "in-progress":
		return domain.CallStatusInProgress, nil
	case "completed":
		return domain.CallStatusCompleted, nil
	case "busy":
		return domain.CallStatusBusy, nil
	case "no-answer":
		return domain.CallStatusNoAnswer, nil
	case "failed", "canceled":
		return domain.CallStatusFailed, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", apperrors.ErrInvalidWebhookPayload, raw)
	}
}

func metadataFromURL(raw string) *telephony.CallMetadata {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	q := u.Query()
	if q.Get("call_id") == "" && q.Get("user_id") == "" {
		return nil
	}
	meta := &telephony.CallMetadata{CallID: q.Get("call_id"), UserID: q.Get("user_id")}
	if q.Has("name") {
		name := q.Get("name")
		meta.Name = &name
	}
	for k := range q {
		switch k {
		case "call_id", "user_id", "name":
		default:
			if meta.Extra == nil {
				meta.Extra = make(map[string]string)
			}
			meta.Extra[k] = q.Get(k)
		}
	}
	return meta
}

// VerifyWebhookSignature validates X-Twilio-Signature over the full callback
// URL followed by the sorted POST parameters.
func (p *Provider) VerifyWebhookSignature(req telephony.WebhookRequest) error {
	if p.authToken == "" {
		return telephony.ErrSignatureUnsupported
	}
	got, err := base64.StdEncoding.DecodeString(req.Header.Get(signatureHeader))
	if err != nil || len(got) == 0 {
		return apperrors.ErrInvalidSignature
	}
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return apperrors.ErrInvalidSignature
	}
	if !hmac.Equal(got, Sign(p.authToken, req.URL, form)) {
		return apperrors.ErrInvalidSignature
	}
	return nil
}

// Sign computes the Twilio request signature.
func Sign(authToken, fullURL string, form url.Values) []byte {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return mac.Sum(nil)
}
