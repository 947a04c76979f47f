package event

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/shadowscan/internal/connector"
)

// Event types considered workflow triggers vs downstream actions. file_share
// appears in both: a share can start a workflow or be its effect.
var (
	triggerEventTypes = map[string]bool{
		"message_post":  true,
		"file_create":   true,
		"file_upload":   true,
		"file_shared":   true,
		"file_share":    true,
		"issue_created": true,
		"form_submit":   true,
	}
	actionEventTypes = map[string]bool{
		"permission_change": true,
		"file_share":        true,
		"file_shared":       true,
		"folder_create":     true,
		"file_create":       true,
		"record_update":     true,
		"member_invite":     true,
		"export":            true,
	}
)

// Automated user agents commonly seen from scripts and SDKs.
var botUserAgentFragments = []string{
	"python-requests", "python-urllib", "axios", "curl", "go-http-client",
	"node-fetch", "okhttp", "java/", "openai", "anthropic", "langchain",
}

// Normalizer converts raw platform records into MultiPlatformEvents.
// It is a pure transformation with no side effects.
type Normalizer struct{}

// NewNormalizer creates a normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize converts one raw record. Missing required fields produce a
// *NormalizationError; the caller may skip the record and continue the batch.
func (n *Normalizer) Normalize(raw connector.RawRecord) (*MultiPlatformEvent, error) {
	if _, err := connector.ParsePlatform(string(raw.Platform)); err != nil {
		return nil, &NormalizationError{Platform: raw.Platform, RecordID: raw.ID, Reason: "unknown platform"}
	}
	if raw.Timestamp.IsZero() {
		return nil, &NormalizationError{Platform: raw.Platform, RecordID: raw.ID, Reason: "missing timestamp"}
	}

	eventType := stringField(raw.Data, "event_type", "type")
	if eventType == "" {
		return nil, &NormalizationError{Platform: raw.Platform, RecordID: raw.ID, Reason: "missing event type"}
	}

	userID := stringField(raw.Data, "user_id", "user", "actor")
	userEmail := stringField(raw.Data, "user_email", "email", "actor_email")
	if userID == "" && userEmail == "" {
		return nil, &NormalizationError{Platform: raw.Platform, RecordID: raw.ID, Reason: "missing actor"}
	}

	ev := &MultiPlatformEvent{
		EventID:      eventID(raw),
		Platform:     raw.Platform,
		Timestamp:    raw.Timestamp.UTC(),
		UserID:       userID,
		UserEmail:    userEmail,
		EventType:    eventType,
		ResourceID:   stringField(raw.Data, "resource_id", "file_id", "item_id", "object_id"),
		ResourceType: stringField(raw.Data, "resource_type", "item_type"),
		ActionDetails: ActionDetails{
			Action:       stringField(raw.Data, "action", "event_type", "type"),
			ResourceName: stringField(raw.Data, "resource_name", "file_name", "name", "title"),
			Metadata:     metadataStrings(raw.Data),
		},
	}
	if ev.ResourceType == "" {
		ev.ResourceType = inferResourceType(eventType)
	}

	ev.CorrelationMetadata = n.correlationHints(raw, ev)
	return ev, nil
}

// NormalizeBatch normalizes a batch, skipping bad records. Returned errors
// are all *NormalizationError and never abort the batch.
func (n *Normalizer) NormalizeBatch(raws []connector.RawRecord) ([]*MultiPlatformEvent, []error) {
	events := make([]*MultiPlatformEvent, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		ev, err := n.Normalize(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	return events, errs
}

// correlationHints applies per-platform heuristics to mark triggers, actions,
// external data access, and automation indicators.
func (n *Normalizer) correlationHints(raw connector.RawRecord, ev *MultiPlatformEvent) CorrelationMetadata {
	meta := CorrelationMetadata{
		PotentialTrigger: triggerEventTypes[ev.EventType],
		PotentialAction:  actionEventTypes[ev.EventType],
	}

	switch raw.Platform {
	case connector.PlatformSlack:
		meta.ExternalDataAccess = n.slackExternalAccess(raw, ev)
	case connector.PlatformGoogle:
		meta.ExternalDataAccess = n.googleExternalAccess(raw, ev)
	case connector.PlatformMicrosoft:
		meta.ExternalDataAccess = n.microsoftExternalAccess(raw)
	case connector.PlatformJira:
		meta.ExternalDataAccess = strings.EqualFold(stringField(raw.Data, "visibility"), "public")
	}

	meta.AutomationIndicators = n.automationIndicators(raw, ev)
	return meta
}

// slackExternalAccess reports shares that leave the workspace.
func (n *Normalizer) slackExternalAccess(raw connector.RawRecord, ev *MultiPlatformEvent) bool {
	if ev.EventType != "file_shared" && ev.EventType != "file_share" {
		return false
	}
	shareTarget := strings.ToLower(stringField(raw.Data, "share_target", "shared_with"))
	if strings.Contains(shareTarget, "external") || strings.Contains(shareTarget, "public") {
		return true
	}
	return boolField(raw.Data, "is_external", "external")
}

// googleExternalAccess reports link-sharing or grants outside the domain.
func (n *Normalizer) googleExternalAccess(raw connector.RawRecord, ev *MultiPlatformEvent) bool {
	visibility := strings.ToLower(stringField(raw.Data, "visibility", "new_visibility"))
	switch visibility {
	case "anyone", "anyone_with_link", "anyonewithlink", "public", "shared_externally":
		return true
	}
	grantee := strings.ToLower(stringField(raw.Data, "target_user", "grantee"))
	domain := strings.ToLower(stringField(raw.Data, "domain", "owner_domain"))
	if grantee != "" && domain != "" && !strings.HasSuffix(grantee, "@"+domain) {
		return true
	}
	return false
}

func (n *Normalizer) microsoftExternalAccess(raw connector.RawRecord) bool {
	if boolField(raw.Data, "is_anonymous_link", "external_sharing") {
		return true
	}
	scope := strings.ToLower(stringField(raw.Data, "sharing_scope", "scope"))
	return scope == "anonymous" || scope == "external"
}

// automationIndicators collects evidence that the actor is automated.
func (n *Normalizer) automationIndicators(raw connector.RawRecord, ev *MultiPlatformEvent) []string {
	var indicators []string

	if isServiceAccount(ev.UserID, ev.UserEmail) {
		indicators = append(indicators, "service_account_actor")
	}
	if boolField(raw.Data, "is_bot", "bot") {
		indicators = append(indicators, "bot_actor")
	}
	if appID := stringField(raw.Data, "app_id", "application_id", "client_id"); appID != "" {
		indicators = append(indicators, "oauth_app:"+appID)
	}
	if ua := strings.ToLower(stringField(raw.Data, "user_agent")); ua != "" {
		for _, frag := range botUserAgentFragments {
			if strings.Contains(ua, frag) {
				indicators = append(indicators, "automated_user_agent:"+frag)
				break
			}
		}
	}
	if token := stringField(raw.Data, "token_type"); strings.EqualFold(token, "bot") || strings.EqualFold(token, "app") {
		indicators = append(indicators, "app_token")
	}

	return indicators
}

// isServiceAccount applies naming heuristics for bot and service identities.
func isServiceAccount(userID, email string) bool {
	id := strings.ToLower(userID)
	mail := strings.ToLower(email)

	if strings.HasSuffix(mail, ".iam.gserviceaccount.com") {
		return true
	}
	for _, prefix := range []string{"svc-", "svc_", "bot-", "bot_", "automation-", "app-"} {
		if strings.HasPrefix(id, prefix) || strings.HasPrefix(mail, prefix) {
			return true
		}
	}
	for _, suffix := range []string{"-bot", "_bot", ".bot", "+bot"} {
		if strings.HasSuffix(id, suffix) {
			return true
		}
	}
	local, _, found := strings.Cut(mail, "@")
	if found && (strings.Contains(local, "noreply") || strings.Contains(local, "no-reply") || strings.Contains(local, "service")) {
		return true
	}
	return false
}

func inferResourceType(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "file"):
		return "file"
	case strings.HasPrefix(eventType, "folder"):
		return "folder"
	case strings.HasPrefix(eventType, "message"):
		return "message"
	case strings.HasPrefix(eventType, "permission"):
		return "permission"
	case strings.HasPrefix(eventType, "issue"):
		return "issue"
	default:
		return "unknown"
	}
}

func eventID(raw connector.RawRecord) string {
	if raw.ID != "" {
		return string(raw.Platform) + "-" + raw.ID
	}
	return string(raw.Platform) + "-" + uuid.NewString()
}

func stringField(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := data[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func boolField(data map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := data[k].(bool); ok && v {
			return true
		}
	}
	return false
}

// metadataStrings copies string-valued raw fields into event metadata so
// detectors can inspect user agents, endpoints, scopes, and webhook URLs
// without reaching back into the raw record.
func metadataStrings(data map[string]any) map[string]string {
	out := make(map[string]string)
	for k, v := range data {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// WindowOf returns the earliest and latest timestamps across events.
func WindowOf(events []*MultiPlatformEvent) (time.Time, time.Time) {
	if len(events) == 0 {
		return time.Time{}, time.Time{}
	}
	minT, maxT := events[0].Timestamp, events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp.Before(minT) {
			minT = e.Timestamp
		}
		if e.Timestamp.After(maxT) {
			maxT = e.Timestamp
		}
	}
	return minT, maxT
}
