package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"journeygate/internal/domain"
)

// Config models journeygate.yml.
type Config struct {
	Service struct {
		ID            string `yaml:"id"`
		DefaultLocale string `yaml:"default_locale"`
	} `yaml:"service"`
	Actions struct {
		Catalog map[string]ActionSpec `yaml:"catalog"`
	} `yaml:"actions"`
	Mediation  Mediation  `yaml:"mediation"`
	Escalation Escalation `yaml:"escalation"`
	RBAC       struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Notifications Notifications `yaml:"notifications"`
	Telemetry     struct {
		Endpoint    string `yaml:"endpoint"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"telemetry"`
}

type ActionSpec struct {
	Permission    string `yaml:"permission"`
	DescriptionJa string `yaml:"description_ja"`
	DescriptionEn string `yaml:"description_en"`
}

type Mediation struct {
	Confidence struct {
		C float64 `yaml:"c"`
		B float64 `yaml:"b"`
		A float64 `yaml:"a"`
	} `yaml:"confidence"`
	Locales map[string]MediationLocale `yaml:"locales"`
}

// MediationLocale keeps keyword order exactly as written; the first match wins.
type MediationLocale struct {
	CategoryC         []string `yaml:"category_c"`
	CategoryB         []string `yaml:"category_b"`
	EscalationMessage string   `yaml:"escalation_message"`
}

type Escalation struct {
	ProfessionalStages []string `yaml:"professional_stages"`
	PendingTimeout     string   `yaml:"pending_timeout"`
	SweepInterval      string   `yaml:"sweep_interval"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type Notifications struct {
	Channels map[string][]string `yaml:"channels"`
	Webhooks []Webhook           `yaml:"webhooks"`
	Redis    struct {
		URL    string   `yaml:"url"`
		Stream string   `yaml:"stream"`
		Events []string `yaml:"events"`
	} `yaml:"redis"`
	PollInterval string `yaml:"poll_interval"`
}

type Webhook struct {
	ID     string   `yaml:"id"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// PendingTTL returns the pending-request expiry; zero disables it.
func (e Escalation) PendingTTL() time.Duration {
	d, _ := time.ParseDuration(e.PendingTimeout)
	return d
}

func (e Escalation) SweepEvery() time.Duration {
	d, err := time.ParseDuration(e.SweepInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

func (n Notifications) PollEvery() time.Duration {
	d, err := time.ParseDuration(n.PollInterval)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with jg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return fmt.Errorf("config.service.id is required")
	}
	if c.Service.DefaultLocale == "" {
		return fmt.Errorf("config.service.default_locale is required")
	}
	if len(c.Actions.Catalog) == 0 {
		return fmt.Errorf("config.actions.catalog is required")
	}
	for id, spec := range c.Actions.Catalog {
		if id == "" {
			return fmt.Errorf("config.actions.catalog contains empty action id")
		}
		if !domain.PermissionLevel(spec.Permission).Valid() {
			return fmt.Errorf("action %s has invalid permission %q", id, spec.Permission)
		}
	}
	if _, ok := c.Mediation.Locales[c.Service.DefaultLocale]; !ok {
		return fmt.Errorf("config.mediation.locales must include default locale %s", c.Service.DefaultLocale)
	}
	for locale, tables := range c.Mediation.Locales {
		for _, kw := range append(append([]string{}, tables.CategoryC...), tables.CategoryB...) {
			if kw == "" {
				return fmt.Errorf("mediation locale %s has empty keyword", locale)
			}
		}
		if tables.EscalationMessage == "" {
			return fmt.Errorf("mediation locale %s is missing escalation_message", locale)
		}
	}
	for name, v := range map[string]float64{"a": c.Mediation.Confidence.A, "b": c.Mediation.Confidence.B, "c": c.Mediation.Confidence.C} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config.mediation.confidence.%s must be within 0..1", name)
		}
	}
	for _, st := range c.Escalation.ProfessionalStages {
		if !knownStage(st) {
			return fmt.Errorf("config.escalation.professional_stages has unknown stage %s", st)
		}
	}
	if c.Escalation.PendingTimeout != "" {
		if d, err := time.ParseDuration(c.Escalation.PendingTimeout); err != nil || d < 0 {
			return fmt.Errorf("config.escalation.pending_timeout is not a valid duration: %q", c.Escalation.PendingTimeout)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, wh := range c.Notifications.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
	}
	if c.Notifications.Redis.URL != "" && c.Notifications.Redis.Stream == "" {
		return fmt.Errorf("config.notifications.redis.stream is required when url is set")
	}
	return nil
}

func knownStage(s string) bool {
	switch domain.JourneyState(s) {
	case domain.StateExploring, domain.StateSearching, domain.StateEvaluating, domain.StateNegotiating,
		domain.StateContracting, domain.StateClosing, domain.StatePostPurchase:
		return true
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "journeygate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceID string) string {
	return fmt.Sprintf(defaultTemplate, serviceID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default(serviceID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(serviceID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  id: %s
  default_locale: ja

actions:
  catalog:
    property.search:
      permission: autonomous
      description_ja: "物件を検索します"
      description_en: "Search for properties"
    property.detail:
      permission: autonomous
      description_ja: "物件の詳細情報を取得します"
      description_en: "Get property details"
    pricing.predict:
      permission: autonomous
      description_ja: "AI価格推定を実行します"
      description_en: "Run AI price prediction"
    document.analyze:
      permission: autonomous
      description_ja: "書類を分析します"
      description_en: "Analyze document"
    market.trends:
      permission: autonomous
      description_ja: "市場動向を取得します"
      description_en: "Fetch market trends"
    viewing.schedule:
      permission: user_approval
      description_ja: "内見を予約します"
      description_en: "Schedule a property viewing"
    offer.submit:
      permission: user_approval
      description_ja: "購入申込書を提出します"
      description_en: "Submit a purchase offer"
    loan.preapproval:
      permission: user_approval
      description_ja: "住宅ローン事前審査を申請します"
      description_en: "Apply for mortgage pre-approval"
    journey.advance:
      permission: user_approval
      description_ja: "購入ステージを進めます"
      description_en: "Advance purchase journey stage"
    contract.review:
      permission: professional_required
      description_ja: "契約書の確認が必要です（宅建士対応）"
      description_en: "Contract review required (licensed professional)"
    negotiation.price:
      permission: professional_required
      description_ja: "価格交渉には宅建士の関与が必要です"
      description_en: "Price negotiation requires licensed professional"
    legal.interpretation:
      permission: professional_required
      description_ja: "法的解釈には宅建士の確認が必要です"
      description_en: "Legal interpretation requires licensed professional"

mediation:
  confidence:
    c: 0.85
    b: 0.8
    a: 0.6
  locales:
    ja:
      category_c: ["値下げ", "値引き", "価格交渉", "ネゴ", "契約書", "契約内容", "条項", "約款", "重要事項説明", "重説", "法的", "法律", "訴訟", "紛争", "手付金", "違約金", "損害賠償", "瑕疵", "契約不適合", "告知義務", "仲介手数料", "報酬"]
      category_b: ["内見", "見学", "予約", "アポ", "申し込み", "申込", "エントリー", "審査", "ローン申請", "書類", "提出"]
      escalation_message: "この内容は宅地建物取引士の確認が必要です。専門スタッフにおつなぎします。"
    en:
      category_c: ["negotiate", "negotiation", "bargain", "discount", "contract", "clause", "terms", "agreement", "legal", "lawsuit", "dispute", "deposit", "penalty", "damages", "defect", "liability", "disclosure", "commission"]
      category_b: ["viewing", "visit", "schedule", "appointment", "apply", "application", "entry", "loan", "mortgage", "submit", "document"]
      escalation_message: "This topic requires review by a licensed real estate professional. Connecting you now."

escalation:
  professional_stages: [negotiating, contracting]
  pending_timeout: 72h
  sweep_interval: 1m

rbac:
  roles:
    owner:
      description: "Platform operator"
      permissions: [journey.any, journey.read, journey.write, action.propose, action.approve.user, action.approve.professional, action.deny, action.result.record, events.read, rbac.manage, apikey.manage]
    professional:
      description: "Licensed real estate professional (宅地建物取引士)"
      permissions: [journey.any, journey.read, action.approve.user, action.approve.professional, action.deny, events.read]
    buyer:
      description: "Buyer acting on their own journey"
      permissions: [journey.read, journey.write, action.propose, action.approve.user, action.deny]
    agent:
      description: "AI orchestrator"
      permissions: [journey.any, journey.read, journey.write, action.propose, action.result.record]

notifications:
  poll_interval: 2s
  channels:
    escalation.required: [in_app, push, email, line]
    action.approval_requested: [in_app, push]
    journey.transitioned: [in_app, push]
  webhooks: []
  redis:
    url: ""
    stream: journeygate:notifications
    events: [escalation.required, action.approval_requested, journey.transitioned]

telemetry:
  endpoint: ""
  service_name: journeygate
`
