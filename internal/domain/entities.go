package domain

import "time"

// StrategyKind define as estratégias de rate limiting disponíveis
type StrategyKind string

const (
	IPStrategy          StrategyKind = "ip"
	UserStrategy        StrategyKind = "user"
	ActionStrategy      StrategyKind = "action"
	EndpointStrategy    StrategyKind = "endpoint"
	CredentialStrategy  StrategyKind = "credential"
	ProgressiveStrategy StrategyKind = "progressive"
)

// Rótulos de configuração conhecidos
const (
	PublicConfig          = "public"
	AuthConfig            = "auth"
	AuthenticatedConfig   = "authenticated"
	ContentCreationConfig = "contentCreation"
	SocialActionConfig    = "socialAction"
	BulkOperationConfig   = "bulkOperation"
)

// Ações semânticas usadas pela estratégia por ação
const (
	ActionCreateTweet    = "create-tweet"
	ActionLike           = "like"
	ActionRetweet        = "retweet"
	ActionFollow         = "follow"
	ActionSearch         = "search"
	ActionProfileUpdate  = "profile-update"
	ActionPasswordChange = "password-change"
	ActionBulkFollow     = "bulk-follow"
	ActionBulkUnfollow   = "bulk-unfollow"
)

// Prefixos das chaves persistidas no Counter Store
const (
	BucketPrefix    = "rate_limit"
	ViolationPrefix = "violations"
)

// Outcome é o discriminante do resultado de uma verificação
type Outcome int

const (
	// Admitted indica que a requisição está dentro do limite
	Admitted Outcome = iota
	// Denied indica que o limite foi excedido
	Denied
	// StoreError indica falha no Counter Store; a requisição é admitida (fail-open)
	StoreError
	// Skipped indica que a estratégia não conseguiu identificar o requisitante
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Denied:
		return "denied"
	case StoreError:
		return "store_error"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// RequestInfo contém os dados de uma requisição relevantes para as estratégias
type RequestInfo struct {
	ClientIP string `json:"clientIp"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Action   string `json:"action,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Decision representa o resultado de uma verificação de rate limit
type Decision struct {
	Outcome    Outcome       `json:"outcome"`
	Strategy   StrategyKind  `json:"strategy"`
	Key        string        `json:"key"`
	BucketKey  string        `json:"bucketKey"`
	Label      string        `json:"label"`
	Limit      int           `json:"limit"`
	Current    int           `json:"current"`
	Remaining  int           `json:"remaining"`
	Window     time.Duration `json:"window"`
	ResetAt    time.Time     `json:"resetAt"`
	RetryAfter time.Duration `json:"retryAfter"`
	Action     string        `json:"action,omitempty"`
	Endpoint   string        `json:"endpoint,omitempty"`
	Violations int           `json:"violations,omitempty"`
	Penalty    int           `json:"penalty,omitempty"`

	// Err é preenchido com *RateLimitExceededError quando Outcome == Denied
	// e com o erro do store quando Outcome == StoreError
	Err error `json:"-"`
}

// Allowed informa se a requisição pode seguir
func (d Decision) Allowed() bool {
	return d.Outcome != Denied
}

// StrategyConfig define uma estratégia com seus parâmetros de janela e limite
type StrategyConfig struct {
	Kind        StrategyKind  `json:"kind" yaml:"kind"`
	Name        string        `json:"name,omitempty" yaml:"name,omitempty"`
	Window      time.Duration `json:"-" yaml:"-"`
	WindowMs    int64         `json:"windowMs" yaml:"windowMs"`
	MaxRequests int           `json:"maxRequests" yaml:"maxRequests"`
}

// EffectiveWindow retorna a janela configurada, aceitando Window ou WindowMs
func (c StrategyConfig) EffectiveWindow() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return time.Duration(c.WindowMs) * time.Millisecond
}

// ChainConfig é a lista ordenada de estratégias de um rótulo
type ChainConfig []StrategyConfig

// BucketStat representa o estado atual de um contador no store
type BucketStat struct {
	Count int64         `json:"count"`
	TTL   time.Duration `json:"ttl"`
}
