package authcore

import (
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/campusdesk/authcore/cache"
	"github.com/campusdesk/authcore/credential"
	"github.com/campusdesk/authcore/graph"
	"github.com/campusdesk/authcore/idempotency"
	internalaudit "github.com/campusdesk/authcore/internal/audit"
	"github.com/campusdesk/authcore/internal/flows"
	"github.com/campusdesk/authcore/internal/rate"
	"github.com/campusdesk/authcore/jwt"
	"github.com/campusdesk/authcore/password"
	"github.com/campusdesk/authcore/permission"
	"github.com/campusdesk/authcore/session"
	"github.com/campusdesk/authcore/session/geo"
)

// Builder assembles an Engine. A Builder can be used once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	credentials credential.Store
	graph       graph.Graph
	permissions []string

	locator   geo.Locator
	auditSink AuditSink
	logger    *zap.Logger
	clock     func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the shared cache backend. The caller keeps ownership.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithCredentialStore(store credential.Store) *Builder {
	b.credentials = store
	return b
}

func (b *Builder) WithGraph(g graph.Graph) *Builder {
	b.graph = g
	return b
}

// WithPermissions registers the permission catalog. Role updates naming
// permissions outside it are rejected.
func (b *Builder) WithPermissions(names ...string) *Builder {
	b.permissions = append(b.permissions, names...)
	return b
}

// WithLocator overrides the location lookup built from Config.Location.
func (b *Builder) WithLocator(l geo.Locator) *Builder {
	b.locator = l
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock replaces time.Now for session expiry, token issuance and audit
// timestamps.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.credentials == nil {
		return nil, errors.New("credential store required")
	}
	if b.graph == nil {
		return nil, errors.New("role graph required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	// -------- PERMISSION CATALOG --------
	catalog, err := permission.NewCatalog(b.permissions...)
	if err != nil {
		return nil, err
	}
	if err := catalog.Register(cfg.Authorization.AdminPermission); err != nil {
		return nil, err
	}
	catalog.Freeze()

	// -------- CREDENTIALS --------
	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	verifier := credential.NewVerifier(b.credentials, hasher, logger.Named("credential"))

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
	})
	if err != nil {
		return nil, err
	}
	jm.SetClock(clock)

	engine := &Engine{
		config:      cloneConfig(cfg),
		catalog:     catalog,
		credentials: verifier,
		userStore:   b.credentials,
		graph:       b.graph,
		jwtManager:  jm,
		metrics:     NewMetrics(cfg.Metrics),
		logger:      logger,
		clock:       clock,
	}

	// -------- SHARED CACHE --------
	engine.cache = cache.New(b.redis, cache.Options{
		Prefix:    cfg.Cache.Prefix,
		OpTimeout: cfg.Cache.OpTimeout,
	})

	engine.resolver = permission.NewResolver(engine.cache, b.graph, verifier, permission.Options{
		TTL:          cfg.Permission.TTL,
		FlightBudget: cfg.Permission.FlightBudget,
		Logger:       logger.Named("permission"),
		OnEvent:      engine.onPermissionEvent,
	})

	// -------- SESSIONS --------
	opts := []session.Option{
		session.WithLogger(logger.Named("session")),
		session.WithClock(clock),
	}
	if loc := b.locatorFor(cfg.Location); loc != nil {
		opts = append(opts, session.WithLocator(loc))
	}
	engine.sessions = session.NewRegistry(engine.cache, session.Config{
		Lifetime:         cfg.Session.Lifetime,
		AbsoluteLifetime: cfg.Session.AbsoluteLifetime,
		TombstoneGrace:   cfg.Session.TombstoneGrace,
		TouchInterval:    cfg.Session.TouchInterval,
		LocationTimeout:  cfg.Location.Timeout,
	}, opts...)

	// -------- THROTTLING AND IDEMPOTENCY --------
	engine.rateLimiter = rate.New(engine.cache, rate.Config{
		EnableIPThrottle:      cfg.Security.EnableIPThrottle,
		EnableRefreshThrottle: cfg.Security.EnableRefreshThrottle,
		MaxLoginAttempts:      cfg.Security.MaxLoginAttempts,
		LoginWindow:           cfg.Security.LoginWindow,
		MaxRefreshAttempts:    cfg.Security.MaxRefreshAttempts,
		RefreshWindow:         cfg.Security.RefreshWindow,
	})
	if cfg.Security.IPBurstRPS > 0 {
		engine.ipBurst = rate.NewIPBurst(cfg.Security.IPBurstRPS, cfg.Security.IPBurst, 0, 0)
	}
	engine.idempotency = idempotency.NewStore(engine.cache, idempotency.Config{
		PlaceholderTTL: cfg.Idempotency.PlaceholderTTL,
		RecordTTL:      cfg.Idempotency.RecordTTL,
		WaitTimeout:    cfg.Idempotency.WaitTimeout,
		PollInterval:   cfg.Idempotency.PollInterval,
	}, logger.Named("idempotency"))

	engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		OnDrop: func(ev internalaudit.Event) {
			logger.Debug("audit event dropped", zap.String("event_type", ev.EventType))
		},
	}, b.auditSink)

	engine.flows = flows.New(engine.flowDeps())

	b.built = true
	return engine, nil
}

func (b *Builder) locatorFor(cfg LocationConfig) geo.Locator {
	if b.locator != nil {
		return b.locator
	}
	if !cfg.Enabled {
		return nil
	}
	return geo.NewCachingLocator(&geo.HTTPLocator{
		Endpoint: cfg.Endpoint,
		Client:   &http.Client{Timeout: cfg.Timeout},
		Timeout:  cfg.Timeout,
	}, cfg.CacheSize, cfg.CacheTTL)
}
