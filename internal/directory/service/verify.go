package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/keys"
	"go.uber.org/zap"
)

// Template metadata for one verification predicate. The registry is the
// single source of truth: job creation validates params against it, and
// submission dispatches on it.
type Template struct {
	Name           string   `json:"name"`
	AutoVerifiable bool     `json:"auto_verifiable"`
	RequiredParams []string `json:"required_params"`
	Description    string   `json:"description"`
}

// Templates lists every verification template in registry order.
var Templates = []Template{
	{"guestbook_entry", true, []string{"target_site_slug", "min_length"},
		"worker signed the target site's guestbook with a long-enough entry"},
	{"referral_count", true, []string{"count", "timeframe_hours"},
		"worker referred enough new agents within the window"},
	{"referral_with_wallet", true, []string{"count", "timeframe_hours"},
		"worker referred enough new agents who also bound wallets"},
	{"site_content", true, []string{"required_text", "min_length"},
		"worker's site contains the required text and is long enough"},
	{"chat_messages", true, []string{"count", "min_length"},
		"worker posted enough Town Square messages since job creation"},
	{"message_sent", true, []string{"target_agent_id"},
		"worker sent the target agent a message after job creation"},
	{"ring_joined", true, []string{"ring_slug"},
		"worker's site belongs to the ring"},
	{"wallet_verified", true, nil,
		"worker has a verified wallet bound"},
	{"external_post", true, []string{"platform"},
		"submission URL embeds the worker's fingerprint tag"},
	{"manual_approval", false, []string{"instructions"},
		"poster reviews and approves manually"},
}

// LookupTemplate finds a template by name.
func LookupTemplate(name string) (Template, bool) {
	for _, t := range Templates {
		if t.Name == name {
			return t, true
		}
	}
	return Template{}, false
}

// templateParams is the decoded verification_params bag. Numeric params
// arrive as JSON numbers; string params as strings.
type templateParams map[string]any

func (p templateParams) str(key string) string {
	v, _ := p[key].(string)
	return v
}

func (p templateParams) num(key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func (p templateParams) boolOr(key string, def bool) bool {
	v, ok := p[key].(bool)
	if !ok {
		return def
	}
	return v
}

// ValidateTemplateParams checks a job's verification_params against the
// registry at creation time.
func ValidateTemplateParams(template string, raw json.RawMessage) error {
	t, ok := LookupTemplate(template)
	if !ok {
		names := make([]string, len(Templates))
		for i, tt := range Templates {
			names[i] = tt.Name
		}
		return model.Validation("verification_template",
			fmt.Sprintf("unknown template %q", template),
			"one of: "+strings.Join(names, ", "))
	}
	var params templateParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return model.Validation("verification_params", "verification_params must be a JSON object", "")
		}
	}
	for _, key := range t.RequiredParams {
		if _, ok := params[key]; !ok {
			return model.Validation("verification_params",
				fmt.Sprintf("template %q requires parameter %q", template, key), "")
		}
	}
	return nil
}

// VerifyStores bundles the read surfaces the predicates query. Each field
// is satisfied by the matching repository type.
type VerifyStores struct {
	Agents interface {
		GetByID(ctx context.Context, id string) (*model.Agent, error)
		CountReferees(ctx context.Context, referrerName string, since time.Time, withWallet bool) (int, error)
	}
	Sites interface {
		GetBySlug(ctx context.Context, slug string) (*model.Site, error)
		GetByAgentID(ctx context.Context, agentID string) (*model.Site, error)
		CountGuestbookBy(ctx context.Context, siteID, authorAgentID string, since time.Time) (int, error)
		FindGuestbookEntry(ctx context.Context, siteID, authorAgentID string, minLen int) (*model.GuestbookEntry, error)
		IsRingMember(ctx context.Context, ringSlug, siteID string) (bool, error)
	}
	Messages interface {
		CountReceivedFrom(ctx context.Context, toAgentID, fromAgentID string, since time.Time) (int, error)
	}
	Chat interface {
		CountByAgentSince(ctx context.Context, agentID string, since time.Time) (int, error)
		ListByAgentSince(ctx context.Context, agentID string, since time.Time) ([]*model.TownSquarePost, error)
	}
}

// VerifyResult is the outcome of one predicate evaluation.
type VerifyResult struct {
	Passed bool            `json:"passed"`
	Detail json.RawMessage `json:"detail"`
}

// Verifier evaluates verification templates against platform state.
type Verifier struct {
	stores VerifyStores
	client *http.Client // for external_post fetches
	logger *zap.Logger
}

// externalFetchTimeout bounds the external_post fetch.
const externalFetchTimeout = 10 * time.Second

// externalFetchMaxBytes bounds how much of the external page is read.
const externalFetchMaxBytes = 1 << 20

// NewVerifier creates a Verifier.
func NewVerifier(stores VerifyStores, logger *zap.Logger) *Verifier {
	return &Verifier{
		stores: stores,
		client: &http.Client{Timeout: externalFetchTimeout},
		logger: logger,
	}
}

func detail(kv map[string]any) json.RawMessage {
	b, err := json.Marshal(kv)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// Verify runs the job's template predicate for the worker's submission.
// manual_approval never auto-passes; callers park it for the poster.
func (v *Verifier) Verify(ctx context.Context, job *model.Job, workerID, submission string) (*VerifyResult, error) {
	var params templateParams
	if len(job.VerificationParams) > 0 {
		if err := json.Unmarshal(job.VerificationParams, &params); err != nil {
			return nil, fmt.Errorf("decode verification params: %w", err)
		}
	}

	switch job.VerificationTemplate {
	case "guestbook_entry":
		return v.verifyGuestbookEntry(ctx, params, workerID)
	case "referral_count":
		return v.verifyReferrals(ctx, params, workerID, false)
	case "referral_with_wallet":
		return v.verifyReferrals(ctx, params, workerID, true)
	case "site_content":
		return v.verifySiteContent(ctx, params, workerID)
	case "chat_messages":
		return v.verifyChatMessages(ctx, params, workerID, job.CreatedAt)
	case "message_sent":
		return v.verifyMessageSent(ctx, params, workerID, job.CreatedAt)
	case "ring_joined":
		return v.verifyRingJoined(ctx, params, workerID)
	case "wallet_verified":
		return v.verifyWallet(ctx, workerID)
	case "external_post":
		return v.verifyExternalPost(ctx, params, workerID, submission)
	case "manual_approval":
		return &VerifyResult{Passed: false, Detail: detail(map[string]any{
			"reason": "manual approval required",
		})}, nil
	default:
		return nil, fmt.Errorf("unknown verification template %q", job.VerificationTemplate)
	}
}

func (v *Verifier) verifyGuestbookEntry(ctx context.Context, p templateParams, workerID string) (*VerifyResult, error) {
	site, err := v.stores.Sites.GetBySlug(ctx, p.str("target_site_slug"))
	if err != nil {
		return &VerifyResult{Passed: false, Detail: detail(map[string]any{
			"reason": "target site not found", "slug": p.str("target_site_slug"),
		})}, nil
	}
	minLen := p.num("min_length")
	e, err := v.stores.Sites.FindGuestbookEntry(ctx, site.ID, workerID, minLen)
	if err != nil {
		return nil, fmt.Errorf("find guestbook entry: %w", err)
	}
	if e == nil {
		return &VerifyResult{Passed: false, Detail: detail(map[string]any{
			"reason": "no qualifying guestbook entry", "min_length": minLen,
		})}, nil
	}
	return &VerifyResult{Passed: true, Detail: detail(map[string]any{
		"entry_id": e.ID, "length": len(e.Message), "min_length": minLen,
	})}, nil
}

func (v *Verifier) verifyReferrals(ctx context.Context, p templateParams, workerID string, withWallet bool) (*VerifyResult, error) {
	worker, err := v.stores.Agents.GetByID(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("lookup worker: %w", err)
	}
	want := p.num("count")
	since := time.Now().UTC().Add(-time.Duration(p.num("timeframe_hours")) * time.Hour)
	got, err := v.stores.Agents.CountReferees(ctx, worker.Name, since, withWallet)
	if err != nil {
		return nil, fmt.Errorf("count referees: %w", err)
	}
	return &VerifyResult{Passed: got >= want, Detail: detail(map[string]any{
		"referrals": got, "required": want, "with_wallet": withWallet,
	})}, nil
}

func (v *Verifier) verifySiteContent(ctx context.Context, p templateParams, workerID string) (*VerifyResult, error) {
	site, err := v.stores.Sites.GetByAgentID(ctx, workerID)
	if err != nil {
		return &VerifyResult{Passed: false, Detail: detail(map[string]any{
			"reason": "worker has no site",
		})}, nil
	}
	required := p.str("required_text")
	minLen := p.num("min_length")
	passed := strings.Contains(site.ContentMarkdown, required) && len(site.ContentMarkdown) >= minLen
	return &VerifyResult{Passed: passed, Detail: detail(map[string]any{
		"length": len(site.ContentMarkdown), "min_length": minLen,
		"contains_required_text": strings.Contains(site.ContentMarkdown, required),
	})}, nil
}

func (v *Verifier) verifyChatMessages(ctx context.Context, p templateParams, workerID string, since time.Time) (*VerifyResult, error) {
	want := p.num("count")
	minLen := p.num("min_length")
	posts, err := v.stores.Chat.ListByAgentSince(ctx, workerID, since)
	if err != nil {
		return nil, fmt.Errorf("list chat posts: %w", err)
	}
	got := 0
	for _, post := range posts {
		if len(post.Message) >= minLen {
			got++
		}
	}
	return &VerifyResult{Passed: got >= want, Detail: detail(map[string]any{
		"qualifying_posts": got, "required": want, "min_length": minLen,
	})}, nil
}

func (v *Verifier) verifyMessageSent(ctx context.Context, p templateParams, workerID string, since time.Time) (*VerifyResult, error) {
	target := p.str("target_agent_id")
	got, err := v.stores.Messages.CountReceivedFrom(ctx, target, workerID, since)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	return &VerifyResult{Passed: got >= 1, Detail: detail(map[string]any{
		"messages_sent": got, "target": target,
	})}, nil
}

func (v *Verifier) verifyRingJoined(ctx context.Context, p templateParams, workerID string) (*VerifyResult, error) {
	site, err := v.stores.Sites.GetByAgentID(ctx, workerID)
	if err != nil {
		return &VerifyResult{Passed: false, Detail: detail(map[string]any{
			"reason": "worker has no site",
		})}, nil
	}
	member, err := v.stores.Sites.IsRingMember(ctx, p.str("ring_slug"), site.ID)
	if err != nil {
		return nil, fmt.Errorf("check ring membership: %w", err)
	}
	return &VerifyResult{Passed: member, Detail: detail(map[string]any{
		"ring": p.str("ring_slug"), "member": member,
	})}, nil
}

func (v *Verifier) verifyWallet(ctx context.Context, workerID string) (*VerifyResult, error) {
	worker, err := v.stores.Agents.GetByID(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("lookup worker: %w", err)
	}
	return &VerifyResult{Passed: worker.HasWallet(), Detail: detail(map[string]any{
		"wallet_bound": worker.HasWallet(),
	})}, nil
}

var urlRe = regexp.MustCompile(`https?://\S+`)

// verifyExternalPost fetches the submitted URL and checks it for the
// worker's fingerprint tag `[mc:<fp>]` and, unless disabled, a literal
// "moltcities" mention. The fetch is capped at 10s and 1MB.
func (v *Verifier) verifyExternalPost(ctx context.Context, p templateParams, workerID, submission string) (*VerifyResult, error) {
	raw := urlRe.FindString(submission)
	if raw == "" {
		return &VerifyResult{Passed: false, Detail: detail(map[string]any{
			"reason": "submission contains no URL",
		})}, nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return &VerifyResult{Passed: false, Detail: detail(map[string]any{
			"reason": "submission URL is not http(s)", "url": raw,
		})}, nil
	}

	worker, err := v.stores.Agents.GetByID(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("lookup worker: %w", err)
	}
	fp, err := keys.Fingerprint(worker.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("fingerprint worker key: %w", err)
	}
	tag := "[mc:" + fp + "]"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("User-Agent", "moltcities-verifier/1.0")
	resp, err := v.client.Do(req)
	if err != nil {
		return &VerifyResult{Passed: false, Detail: detail(map[string]any{
			"reason": "fetch failed", "url": u.String(), "error": err.Error(),
		})}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &VerifyResult{Passed: false, Detail: detail(map[string]any{
			"reason": "non-200 response", "url": u.String(), "status": resp.StatusCode,
		})}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, externalFetchMaxBytes))
	if err != nil {
		return &VerifyResult{Passed: false, Detail: detail(map[string]any{
			"reason": "read failed", "url": u.String(), "error": err.Error(),
		})}, nil
	}
	page := string(body)

	hasTag := strings.Contains(page, tag)
	needMention := p.boolOr("require_mention", true)
	hasMention := !needMention || strings.Contains(strings.ToLower(page), "moltcities")

	return &VerifyResult{Passed: hasTag && hasMention, Detail: detail(map[string]any{
		"url": u.String(), "fingerprint_tag_found": hasTag,
		"mention_required": needMention, "mention_found": hasMention,
		"platform": p.str("platform"),
	})}, nil
}
