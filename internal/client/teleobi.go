package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
)

// TeleobiClient talks to the Teleobi WhatsApp API: templated sends, message
// status lookups, and template listing. Transient transport failures and 429
// responses are retried here; API-level failures come back as unsuccessful
// results for the caller to record.
type TeleobiClient struct {
	apiURL        string
	authToken     string
	phoneNumberID string
	client        *http.Client

	maxRetries int
	retryDelay time.Duration
}

type Config struct {
	APIURL        string
	AuthToken     string
	PhoneNumberID string
}

func NewTeleobiClient(cfg Config) *TeleobiClient {
	return &TeleobiClient{
		apiURL:        strings.TrimRight(cfg.APIURL, "/"),
		authToken:     cfg.AuthToken,
		phoneNumberID: cfg.PhoneNumberID,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// apiResponse is the provider's uniform envelope: status "1" means success and
// Message carries the payload (its shape varies per endpoint).
type apiResponse struct {
	Status  string          `json:"status"`
	Message json.RawMessage `json:"message"`
}

// SendTemplate sends one templated message. templateID is the provider's
// internal numeric template ID; templateName is still needed to build the
// variable parameter keys.
func (c *TeleobiClient) SendTemplate(ctx context.Context, phone, templateID, templateName string, variables map[string]string) (*model.SendResult, error) {
	if templateID == "" {
		return &model.SendResult{
			Success:      false,
			ErrorMessage: "template ID is required; sync templates first",
			StatusCode:   http.StatusBadRequest,
		}, nil
	}

	form := url.Values{}
	form.Set("phone_number_id", c.phoneNumberID)
	form.Set("phone_number", CleanPhone(phone))
	form.Set("template_id", templateID)
	addVariableParams(form, templateName, variables)

	resp, body, err := c.postForm(ctx, "whatsapp/send/template", form)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return &model.SendResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 500)),
			StatusCode:   resp.StatusCode,
		}, nil
	}

	var envelope struct {
		Status      string `json:"status"`
		Message     any    `json:"message"`
		WAMessageID string `json:"wa_message_id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode send response: %w body=%q", err, string(body))
	}

	if envelope.Status != "1" {
		errMsg := "unknown error"
		if s, ok := envelope.Message.(string); ok && s != "" {
			errMsg = s
		}
		return &model.SendResult{
			Success:      false,
			ErrorMessage: errMsg,
			StatusCode:   resp.StatusCode,
		}, nil
	}

	return &model.SendResult{
		Success:     true,
		WAMessageID: envelope.WAMessageID,
		StatusCode:  resp.StatusCode,
	}, nil
}

// MessageStatus fetches the provider's current delivery/read knowledge for a
// sent message. businessID is the per-template WhatsApp business ID the
// status endpoint requires; lookups without it may return nothing. A zero
// MessageStatusInfo means the provider has no status yet.
func (c *TeleobiClient) MessageStatus(ctx context.Context, waMessageID string, businessID *int64) (*model.MessageStatusInfo, error) {
	form := url.Values{}
	form.Set("wa_message_id", waMessageID)
	if businessID != nil {
		form.Set("whatsapp_bot_id", strconv.FormatInt(*businessID, 10))
	}

	resp, body, err := c.postForm(ctx, "whatsapp/get/message-status", form)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status lookup failed: HTTP %d: %s", resp.StatusCode, truncate(string(body), 500))
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w body=%q", err, string(body))
	}
	if envelope.Status != "1" {
		return &model.MessageStatusInfo{}, nil
	}

	var raw struct {
		MessageStatus           *string `json:"message_status"`
		DeliveryStatusUpdatedAt *string `json:"delivery_status_updated_at"`
		ReadTime                *string `json:"read_time"`
		FailedTime              *string `json:"failed_time"`
		FailedReason            *string `json:"failed_reason"`
	}
	if err := json.Unmarshal(envelope.Message, &raw); err != nil {
		// Some responses carry a plain string message instead of the object.
		return &model.MessageStatusInfo{}, nil
	}

	info := &model.MessageStatusInfo{}
	if raw.MessageStatus != nil {
		info.MessageStatus = strings.ToLower(*raw.MessageStatus)
	}
	if raw.FailedReason != nil {
		info.FailedReason = *raw.FailedReason
	}
	info.DeliveredTime = parseProviderTime(raw.DeliveryStatusUpdatedAt)
	info.ReadTime = parseProviderTime(raw.ReadTime)
	info.FailedTime = parseProviderTime(raw.FailedTime)
	return info, nil
}

// Templates lists the provider's templates with the metadata the dispatcher
// needs: the internal ID used for sends, the approval status, the category,
// the business ID for status lookups, and the variable count.
func (c *TeleobiClient) Templates(ctx context.Context) ([]model.Template, error) {
	form := url.Values{}
	form.Set("phone_number_id", c.phoneNumberID)

	resp, body, err := c.postForm(ctx, "whatsapp/template/list", form)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("template list failed: HTTP %d: %s", resp.StatusCode, truncate(string(body), 500))
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode template list: %w body=%q", err, string(body))
	}
	if envelope.Status != "1" {
		return nil, fmt.Errorf("template list rejected: %s", truncate(string(envelope.Message), 200))
	}

	var raw []struct {
		ID               json.Number `json:"id"`
		TemplateName     string      `json:"template_name"`
		TemplateCategory string      `json:"template_category"`
		Status           string      `json:"status"`
		Locale           string      `json:"locale"`
		BodyContent      string      `json:"body_content"`
		WhatsAppBusiness json.Number `json:"whatsapp_business_id"`
	}
	if err := json.Unmarshal(envelope.Message, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode template entries: %w", err)
	}

	now := time.Now().UTC()
	templates := make([]model.Template, 0, len(raw))
	for _, r := range raw {
		t := model.Template{
			Name:          r.TemplateName,
			ProviderID:    r.ID.String(),
			Category:      normalizeCategory(r.TemplateCategory),
			Status:        r.Status,
			Language:      r.Locale,
			VariableCount: countTemplateVariables(r.BodyContent),
			SyncedAt:      now,
		}
		if id, err := r.WhatsAppBusiness.Int64(); err == nil && id != 0 {
			t.BusinessID = &id
		}
		if t.Language == "" {
			t.Language = "en_US"
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// postForm issues a form-encoded POST with the auth token, retrying on
// timeouts and on 429 responses (honoring Retry-After).
func (c *TeleobiClient) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, []byte, error) {
	form.Set("apiToken", c.authToken)
	target := c.apiURL + "/" + endpoint

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			if err := sleepCtx(ctx, c.retryDelay*time.Duration(attempt+1)); err != nil {
				return nil, nil, err
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("provider rate limit: HTTP 429")
			wait := retryAfter(resp, 60*time.Second)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, nil, err
			}
			continue
		}

		return resp, body, nil
	}
	return nil, nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func retryAfter(resp *http.Response, def time.Duration) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return def
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	varKeyRe      = regexp.MustCompile(`^(?:body_)?var_(\d+)$`)
	placeholderRe = regexp.MustCompile(`\{\{(\d+)\}\}`)
	slugStripRe   = regexp.MustCompile(`[^a-z0-9-]`)
)

// addVariableParams converts the job's variable map into the provider's
// expected keys: templateVariable-{template-slug}-{n}. The header media URL
// travels under its own parameter.
func addVariableParams(form url.Values, templateName string, variables map[string]string) {
	slug := templateSlug(templateName)
	for key, value := range variables {
		if strings.HasPrefix(key, "_") || value == "" {
			continue
		}
		if key == "header_image_url" {
			if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
				form.Set("template_header_media_url", value)
			}
			continue
		}
		if m := varKeyRe.FindStringSubmatch(key); m != nil {
			form.Set("templateVariable-"+slug+"-"+m[1], value)
			continue
		}
		form.Set(key, value)
	}
}

// BodyVariableCount counts the body placeholder values in a variable map:
// keys shaped var_N or body_var_N with non-empty values. Header media and
// passthrough keys are not body slots.
func BodyVariableCount(variables map[string]string) int {
	n := 0
	for key, value := range variables {
		if value == "" {
			continue
		}
		if varKeyRe.MatchString(key) {
			n++
		}
	}
	return n
}

func templateSlug(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, " ", "-")
	return slugStripRe.ReplaceAllString(s, "")
}

// countTemplateVariables counts distinct {{n}} placeholders in a template
// body. Placeholders outside 1..100 are ignored so literal numbers in the
// text do not count.
func countTemplateVariables(body string) int {
	seen := map[int]struct{}{}
	for _, m := range placeholderRe.FindAllStringSubmatch(body, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > 100 {
			continue
		}
		seen[n] = struct{}{}
	}
	return len(seen)
}

func normalizeCategory(raw string) string {
	switch strings.ToUpper(raw) {
	case "MARKETING":
		return "marketing"
	case "UTILITY", "TRANSACTIONAL":
		return "utility"
	}
	return "utility"
}

// CleanPhone strips a phone number to digits and prefixes the default country
// code when a bare 10-digit national number is given.
func CleanPhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if len(cleaned) == 10 {
		cleaned = "91" + cleaned
	}
	return cleaned
}

// ValidatePhone reports whether a cleaned phone number has a plausible length.
func ValidatePhone(phone string) error {
	cleaned := CleanPhone(phone)
	if len(cleaned) < 10 || len(cleaned) > 15 {
		return errors.New("invalid phone number format")
	}
	return nil
}

func parseProviderTime(raw *string) *time.Time {
	if raw == nil || *raw == "" {
		return nil
	}
	s := strings.Replace(*raw, "Z", "+00:00", 1)
	for _, layout := range []string{
		"2006-01-02T15:04:05-07:00",
		"2006-01-02T15:04:05.999999-07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
