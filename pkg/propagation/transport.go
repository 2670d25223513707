package propagation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/domika-dev/template-registry/pkg/registry"
)

// FieldPayload is one field definition on the wire.
type FieldPayload struct {
	FieldName     string   `json:"field_name"`
	FieldLabel    string   `json:"field_label,omitempty"`
	FieldType     string   `json:"field_type"`
	IsRequired    bool     `json:"is_required,omitempty"`
	Default       string   `json:"default,omitempty"`
	SourceField   string   `json:"source_field,omitempty"`
	SelectOptions []string `json:"select_options,omitempty"`
}

// RulePayload is one assignment rule on the wire.
type RulePayload struct {
	EntityType    string `json:"entity_type"`
	EntitySubtype string `json:"entity_subtype,omitempty"`
	Priority      int    `json:"priority,omitempty"`
}

// TemplatePayload is the registry entry as sent to subscribers.
type TemplatePayload struct {
	TemplateCode          string         `json:"template_code"`
	Version               int            `json:"version"`
	TemplateName          string         `json:"template_name"`
	InfrastructureType    string         `json:"infrastructure_type,omitempty"`
	InfrastructureSubtype string         `json:"infrastructure_subtype,omitempty"`
	TargetDocument        string         `json:"target_document,omitempty"`
	TemplateContent       string         `json:"template_content,omitempty"`
	Fields                []FieldPayload `json:"fields,omitempty"`
	Rules                 []RulePayload  `json:"assignment_rules,omitempty"`
	ContributedBySite     string         `json:"contributed_by_site,omitempty"`
	BusinessJustification string         `json:"business_justification,omitempty"`
}

// PayloadFromEntry maps a loaded registry entry onto the wire form.
func PayloadFromEntry(entry *registry.Entry) TemplatePayload {
	payload := TemplatePayload{
		TemplateCode:          entry.TemplateCode,
		Version:               entry.Version,
		TemplateName:          entry.TemplateName,
		InfrastructureType:    entry.InfrastructureType,
		InfrastructureSubtype: entry.InfrastructureSubtype,
		TargetDocument:        entry.TargetDocument,
		TemplateContent:       entry.TemplateContent,
		ContributedBySite:     entry.ContributedBySite,
		BusinessJustification: entry.BusinessJustification,
	}
	for _, d := range entry.FieldDefinitions() {
		payload.Fields = append(payload.Fields, FieldPayload{
			FieldName:     d.FieldName,
			FieldLabel:    d.FieldLabel,
			FieldType:     string(d.FieldType),
			IsRequired:    d.IsRequired,
			Default:       d.Default,
			SourceField:   d.SourceField,
			SelectOptions: d.SelectOptions,
		})
	}
	for i := range entry.Rules {
		r := &entry.Rules[i]
		payload.Rules = append(payload.Rules, RulePayload{
			EntityType:    r.EntityType,
			EntitySubtype: r.EntitySubtype,
			Priority:      r.Priority,
		})
	}
	return payload
}

// Transport pushes one template version to a subscriber.
type Transport interface {
	Deliver(ctx context.Context, subscriberURL string, payload TemplatePayload) error
}

// HTTPTransport delivers templates over the subscriber's propagation
// endpoint, authenticated with a short-lived HS256 token minted from the
// shared network secret. A 409 from the subscriber means the version is
// already applied and counts as delivered.
type HTTPTransport struct {
	client    *http.Client
	secret    []byte
	issuerURL string
	tokenTTL  time.Duration
}

// NewHTTPTransport creates an HTTPTransport. client may be nil for a default
// with a 30s timeout.
func NewHTTPTransport(client *http.Client, secret, issuerURL string) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{
		client:    client,
		secret:    []byte(secret),
		issuerURL: issuerURL,
		tokenTTL:  5 * time.Minute,
	}
}

// Deliver implements Transport.
func (t *HTTPTransport) Deliver(ctx context.Context, subscriberURL string, payload TemplatePayload) error {
	token, err := t.mintToken(subscriberURL, payload)
	if err != nil {
		return fmt.Errorf("mint propagation token: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	url := strings.TrimRight(subscriberURL, "/") + "/api/v1/propagation/templates"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s v%d to %s: %w", payload.TemplateCode, payload.Version, subscriberURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Already applied on the subscriber.
		return nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("deliver %s v%d to %s: status %d: %s",
			payload.TemplateCode, payload.Version, subscriberURL, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

func (t *HTTPTransport) mintToken(subscriberURL string, payload TemplatePayload) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss":           t.issuerURL,
		"aud":           subscriberURL,
		"iat":           now.Unix(),
		"exp":           now.Add(t.tokenTTL).Unix(),
		"template_code": payload.TemplateCode,
		"version":       payload.Version,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// VerifyToken checks an inbound propagation token against the shared secret
// and returns its claims.
func VerifyToken(tokenString, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid propagation token")
	}
	return claims, nil
}
