package server

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidegrid/metacore/internal/routing"
	"github.com/tidegrid/metacore/internal/scheduler"
	approvalports "github.com/tidegrid/metacore/modules/approval/domain/ports"
	approvalpersistence "github.com/tidegrid/metacore/modules/approval/infrastructure/persistence"
	approvalservices "github.com/tidegrid/metacore/modules/approval/services"
	lifecycleports "github.com/tidegrid/metacore/modules/lifecycle/domain/ports"
	lifecyclepersistence "github.com/tidegrid/metacore/modules/lifecycle/infrastructure/persistence"
	lifecycleservices "github.com/tidegrid/metacore/modules/lifecycle/services"
	policyports "github.com/tidegrid/metacore/modules/policy/domain/ports"
	policypersistence "github.com/tidegrid/metacore/modules/policy/infrastructure/persistence"
	policyservices "github.com/tidegrid/metacore/modules/policy/services"
	schemaports "github.com/tidegrid/metacore/modules/schema/domain/ports"
	schemapersistence "github.com/tidegrid/metacore/modules/schema/infrastructure/persistence"
	schemaservices "github.com/tidegrid/metacore/modules/schema/services"
	"github.com/tidegrid/metacore/pkg/authz"
	"github.com/tidegrid/metacore/pkg/lease"
)

// HandlerOptions carries the ports the handler wires together. Nil fields
// default to postgres-backed stores over one shared pool; tests inject
// in-memory doubles instead.
type HandlerOptions struct {
	TenancyResolver TenancyResolver
	Authorizer      *authz.Authorizer

	SchemaStore   schemaports.SchemaStore
	SnapshotStore schemaports.SnapshotStore

	PolicyStore           policyports.PolicyStore
	OperationCatalog      policyports.OperationCatalog
	CompiledPolicyStore   policyports.CompiledPolicyStore
	EntitlementSource     policyports.EntitlementSource
	EntitlementCacheStore policyports.EntitlementCacheStore
	DecisionLog           policyports.DecisionLog

	DefinitionStore lifecycleports.DefinitionStore
	InstanceStore   lifecycleports.InstanceStore
	EventLog        lifecycleports.EventLog

	TemplateStore  approvalports.TemplateStore
	ApprovalStore  approvalports.ApprovalStore
	StageLocker    approvalports.StageLocker
	GroupDirectory approvalports.GroupDirectory
	StageTimers    approvalports.StageTimers
}

// App is the wired process: the HTTP surface plus the timer scheduler
// that fires approval reminders and expiries.
type App struct {
	Handler   http.Handler
	Scheduler *scheduler.Scheduler
}

// NewApp builds the production wiring: config-file tenancy and authz,
// postgres stores, and a scheduler over the postgres timer queue.
func NewApp() (*App, error) {
	pool, err := pgxpool.New(context.Background(), dbDSNFromEnv())
	if err != nil {
		return nil, err
	}

	resolver, err := loadTenancyResolver()
	if err != nil {
		return nil, err
	}
	authorizer, err := loadAuthorizer()
	if err != nil {
		return nil, err
	}

	queue := scheduler.NewPGTimerStore(pool)
	opts := HandlerOptions{
		TenancyResolver: resolver,
		Authorizer:      authorizer,
		StageTimers:     scheduler.NewStageTimerEnqueuer(queue),
	}
	applyPGDefaults(&opts, pool)

	handler, decider, err := newHandler(opts)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(queue, "metacore-server")
	sched.Register(lease.KindReminder, scheduler.NewReminderHandler(decider))
	sched.Register(lease.KindExpiry, scheduler.NewExpiryHandler(decider))

	return &App{Handler: handler, Scheduler: sched}, nil
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	handler, _, err := newHandler(opts)
	return handler, err
}

func applyPGDefaults(opts *HandlerOptions, pool *pgxpool.Pool) {
	if opts.SchemaStore == nil || opts.SnapshotStore == nil {
		s := schemapersistence.NewSchemaPGStore(pool)
		if opts.SchemaStore == nil {
			opts.SchemaStore = s
		}
		if opts.SnapshotStore == nil {
			opts.SnapshotStore = s
		}
	}

	if opts.PolicyStore == nil || opts.OperationCatalog == nil || opts.CompiledPolicyStore == nil {
		s := policypersistence.NewPolicyPGStore(pool)
		if opts.PolicyStore == nil {
			opts.PolicyStore = s
		}
		if opts.OperationCatalog == nil {
			opts.OperationCatalog = s
		}
		if opts.CompiledPolicyStore == nil {
			opts.CompiledPolicyStore = s
		}
	}

	if opts.EntitlementSource == nil || opts.EntitlementCacheStore == nil || opts.GroupDirectory == nil {
		s := policypersistence.NewEntitlementPGStore(pool)
		if opts.EntitlementSource == nil {
			opts.EntitlementSource = s
		}
		if opts.EntitlementCacheStore == nil {
			opts.EntitlementCacheStore = s
		}
		if opts.GroupDirectory == nil {
			opts.GroupDirectory = s
		}
	}

	if opts.DecisionLog == nil {
		opts.DecisionLog = policypersistence.NewDecisionLogPGStore(pool)
	}

	if opts.DefinitionStore == nil || opts.InstanceStore == nil || opts.EventLog == nil {
		s := lifecyclepersistence.NewLifecyclePGStore(pool)
		if opts.DefinitionStore == nil {
			opts.DefinitionStore = s
		}
		if opts.InstanceStore == nil {
			opts.InstanceStore = s
		}
		if opts.EventLog == nil {
			opts.EventLog = s
		}
	}

	if opts.TemplateStore == nil || opts.ApprovalStore == nil {
		s := approvalpersistence.NewApprovalPGStore(pool)
		if opts.TemplateStore == nil {
			opts.TemplateStore = s
		}
		if opts.ApprovalStore == nil {
			opts.ApprovalStore = s
		}
	}

	if opts.StageLocker == nil {
		opts.StageLocker = approvalpersistence.NewStageAdvisoryLocker(pool)
	}
}

func newHandler(opts HandlerOptions) (http.Handler, *approvalservices.Decider, error) {
	resolver := opts.TenancyResolver
	if resolver == nil {
		r, err := loadTenancyResolver()
		if err != nil {
			return nil, nil, err
		}
		resolver = r
	}

	overlayCompiler := schemaservices.NewCompiler(opts.SchemaStore, opts.SnapshotStore)
	policyCompiler := policyservices.NewPolicyCompiler(opts.PolicyStore, opts.OperationCatalog, opts.CompiledPolicyStore)
	entitlements := policyservices.NewEntitlementCache(opts.EntitlementSource, opts.EntitlementCacheStore, entitlementTTLFromEnv())
	ouIndex := policyservices.NewOUIndex(opts.EntitlementSource)
	evaluator := policyservices.NewEvaluator(opts.PolicyStore, opts.OperationCatalog, policyCompiler,
		entitlements, ouIndex, opts.DecisionLog, opts.Authorizer)

	router := approvalservices.NewRouter(opts.TemplateStore, opts.ApprovalStore, opts.GroupDirectory, opts.StageTimers)
	engine := lifecycleservices.NewEngine(opts.DefinitionStore, opts.InstanceStore, opts.EventLog,
		&evaluatorGate{evaluator: evaluator}, &routerStarter{router: router})
	decider := approvalservices.NewDecider(opts.ApprovalStore, opts.StageLocker, router, &engineNotifier{engine: engine})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/internal/entities/compile", func(w http.ResponseWriter, r *http.Request) {
		handleEntityCompileAPI(w, r, overlayCompiler)
	})
	mux.HandleFunc("/internal/policies/compile", func(w http.ResponseWriter, r *http.Request) {
		handlePolicyCompileAPI(w, r, policyCompiler)
	})
	mux.HandleFunc("/internal/permissions/evaluate", func(w http.ResponseWriter, r *http.Request) {
		handlePermissionsEvaluateAPI(w, r, evaluator)
	})
	mux.HandleFunc("/internal/lifecycle/transition", func(w http.ResponseWriter, r *http.Request) {
		handleLifecycleTransitionAPI(w, r, engine)
	})
	mux.HandleFunc("/internal/approvals/tasks/decide", func(w http.ResponseWriter, r *http.Request) {
		handleApprovalDecideAPI(w, r, decider)
	})
	mux.HandleFunc("/internal/approvals/cancel", func(w http.ResponseWriter, r *http.Request) {
		handleApprovalCancelAPI(w, r, decider)
	})

	return withTenantResolution(resolver, mux), decider, nil
}

// withTenantResolution binds every request to the tenant owning the
// request host. Health probes bypass tenancy.
func withTenantResolution(tenants TenancyResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		t, ok, err := tenants.ResolveTenant(r.Context(), effectiveHost(r))
		if err != nil {
			routing.WriteError(w, r, http.StatusInternalServerError, "tenant_resolve_error", "tenant resolve error")
			return
		}
		if !ok {
			routing.WriteError(w, r, http.StatusNotFound, "tenant_not_found", "tenant not found")
			return
		}
		next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), t)))
	})
}

func entitlementTTLFromEnv() time.Duration {
	raw := os.Getenv("ENTITLEMENT_CACHE_TTL")
	if raw == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}
